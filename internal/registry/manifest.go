package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/BaSui01/toolguard/types"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// manifest is the on-disk form of a tool. It accepts both "modes" and the
// older "supported_modes" key, and an entrypoint as a list or a string.
type manifest struct {
	types.ToolDescriptor `yaml:",inline"`
	SupportedModes       []types.ExecutionMode `yaml:"supported_modes"`
	EntrypointRaw        yaml.Node             `yaml:"entrypoint"`
}

type manifestFile struct {
	Tools []manifest `yaml:"tools"`
}

// ParseManifests decodes every tool in a YAML stream. A stream may hold a
// "tools:" list, a single tool, or several documents separated by "---".
func ParseManifests(r io.Reader) ([]*types.ToolDescriptor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []*types.ToolDescriptor
	for doc := 0; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		descs, err := decodeDocument(&node)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		out = append(out, descs...)
	}
	return out, nil
}

func decodeDocument(node *yaml.Node) ([]*types.ToolDescriptor, error) {
	if node.Kind == 0 || (node.Kind == yaml.DocumentNode && len(node.Content) == 0) {
		return nil, nil
	}

	var file manifestFile
	if err := node.Decode(&file); err == nil && len(file.Tools) > 0 {
		out := make([]*types.ToolDescriptor, 0, len(file.Tools))
		for i := range file.Tools {
			d, err := file.Tools[i].descriptor()
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	}

	var m manifest
	if err := node.Decode(&m); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, nil
	}
	d, err := m.descriptor()
	if err != nil {
		return nil, err
	}
	return []*types.ToolDescriptor{d}, nil
}

func (m *manifest) descriptor() (*types.ToolDescriptor, error) {
	d := m.ToolDescriptor.Clone()
	if len(d.Modes) == 0 {
		d.Modes = append([]types.ExecutionMode(nil), m.SupportedModes...)
	}
	ep, err := parseEntrypoint(&m.EntrypointRaw)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", d.Name, err)
	}
	d.Entrypoint = ep
	return d, nil
}

// parseEntrypoint splits a string entrypoint with shell quoting rules but
// no evaluation: no globbing, variables or command substitution.
func parseEntrypoint(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		parts, err := shlex.Split(node.Value)
		if err != nil {
			return nil, fmt.Errorf("entrypoint: %w", err)
		}
		return parts, nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return nil, fmt.Errorf("entrypoint: %w", err)
		}
		return parts, nil
	default:
		return nil, fmt.Errorf("entrypoint must be a string or a list")
	}
}
