package sandbox

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BaSui01/toolguard/types"
	"github.com/google/uuid"
)

// Network modes a sandbox may use.
const (
	NetworkNone   = "none"
	NetworkBridge = "bridge"
)

// DefaultUser is the unprivileged identity tools run as (nobody:nogroup).
const DefaultUser = "65534:65534"

// Egress is the single destination a bridged sandbox may reach.
type Egress struct {
	Addr netip.Addr
	Port uint16
	// LocalResolve allows DNS to the configured resolvers for proxy
	// schemes whose clients resolve target names themselves.
	LocalResolve bool
}

// Spec describes one ephemeral sandbox. It is built fresh per execution and
// never reused.
type Spec struct {
	Name           string
	Tool           string
	Image          types.ImageRef
	Resources      types.ResourceProfile
	CapDrop        []string
	User           string
	ReadOnlyRootFS bool
	NetworkMode    string
	// Network is the per-run network the container joins. The Manager
	// sets it after the runtime created the network.
	Network  string
	Egress   *Egress
	DNS      []string
	ProxyEnv map[string]string
	// Env carries credentials. Values are handed to the runtime out of band
	// and never appear in argv or logs.
	Env            map[string]string
	Entrypoint     []string
	Command        []string
	Timeout        time.Duration
	MaxOutputBytes int
	ArtifactPath   string
}

// NewSpec returns a Spec with the hardened defaults filled in.
func NewSpec(desc *types.ToolDescriptor, requestID string) *Spec {
	return &Spec{
		Name:           ContainerName(desc.Name, requestID),
		Tool:           desc.Name,
		Image:          desc.Image,
		Resources:      desc.Resources,
		CapDrop:        []string{"ALL"},
		User:           DefaultUser,
		ReadOnlyRootFS: true,
		NetworkMode:    NetworkNone,
		Entrypoint:     append([]string(nil), desc.Entrypoint...),
		ArtifactPath:   desc.ArtifactPath,
	}
}

// ContainerName derives a unique, docker-safe container name.
func ContainerName(tool, requestID string) string {
	id := sanitizeID(requestID)
	if id == "" {
		id = uuid.NewString()[:8]
	}
	return fmt.Sprintf("toolguard_%s_%s_%s", sanitizeID(tool), id, uuid.NewString()[:8])
}

// Validate checks the invariants the runtime relies on.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("sandbox name is required")
	}
	if err := s.Image.Validate(); err != nil {
		return err
	}
	if s.User == "" || s.User == "0" || strings.HasPrefix(s.User, "0:") || strings.EqualFold(s.User, "root") {
		return fmt.Errorf("sandbox must run as an unprivileged user, got %q", s.User)
	}
	switch s.NetworkMode {
	case NetworkNone:
	case NetworkBridge:
		if len(s.ProxyEnv) == 0 || s.Egress == nil {
			return fmt.Errorf("bridge network requires a validated proxy")
		}
		if !s.Egress.Addr.IsValid() || s.Egress.Port == 0 {
			return fmt.Errorf("bridge network requires a pinned proxy address")
		}
	default:
		return fmt.Errorf("unsupported network mode %q", s.NetworkMode)
	}
	if len(s.Entrypoint) == 0 && len(s.Command) == 0 {
		return fmt.Errorf("sandbox has nothing to run")
	}
	return nil
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, c := range id {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			b.WriteRune(c)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}
