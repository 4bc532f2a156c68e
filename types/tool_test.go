package types

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestToolDescriptor_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desc    ToolDescriptor
		wantErr string
	}{
		{
			name: "native only",
			desc: ToolDescriptor{Name: "sherlock", Modes: []ExecutionMode{ModeNative}},
		},
		{
			name: "sandbox with pinned image",
			desc: ToolDescriptor{
				Name:  "subfinder",
				Modes: []ExecutionMode{ModeSandbox},
				Image: ImageRef{Repository: "projectdiscovery/subfinder", Digest: testDigest},
			},
		},
		{
			name:    "bad name",
			desc:    ToolDescriptor{Name: "../etc", Modes: []ExecutionMode{ModeNative}},
			wantErr: "invalid tool name",
		},
		{
			name:    "no modes",
			desc:    ToolDescriptor{Name: "x"},
			wantErr: "at least one execution mode",
		},
		{
			name:    "hybrid is not a descriptor mode",
			desc:    ToolDescriptor{Name: "x", Modes: []ExecutionMode{ModeHybrid}},
			wantErr: "unsupported mode",
		},
		{
			name: "sandbox without digest",
			desc: ToolDescriptor{
				Name:  "x",
				Modes: []ExecutionMode{ModeSandbox},
				Image: ImageRef{Repository: "alpine", Digest: "latest"},
			},
			wantErr: "not a sha256 digest",
		},
		{
			name:    "binary with path",
			desc:    ToolDescriptor{Name: "x", Binary: "/bin/sh", Modes: []ExecutionMode{ModeNative}},
			wantErr: "bare executable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToolDescriptor_CloneIsDeep(t *testing.T) {
	t.Parallel()

	d := &ToolDescriptor{Name: "x", Modes: []ExecutionMode{ModeNative}, Entrypoint: []string{"a"}, AllowedEntrypoints: []string{"c"}}
	c := d.Clone()
	c.Modes[0] = ModeSandbox
	c.Entrypoint[0] = "b"
	c.AllowedEntrypoints[0] = "sh"

	assert.Equal(t, ModeNative, d.Modes[0])
	assert.Equal(t, "a", d.Entrypoint[0])
	assert.Equal(t, "c", d.AllowedEntrypoints[0])
}

func TestParseExecutionMode(t *testing.T) {
	t.Parallel()

	m, err := ParseExecutionMode(" Hybrid ")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)

	_, err = ParseExecutionMode("docker-ish")
	assert.Error(t, err)
}

func TestNetworkConfig_ProxyEnvPinsAddress(t *testing.T) {
	t.Parallel()

	cfg := &NetworkConfig{
		Scheme: "socks5h",
		Host:   "proxy.example.com",
		Port:   1080,
		Addrs:  []netip.Addr{netip.MustParseAddr("203.0.113.7")},
	}

	env := cfg.ProxyEnv()
	assert.Equal(t, "socks5h://203.0.113.7:1080", env["ALL_PROXY"])
	assert.Equal(t, env["ALL_PROXY"], env["https_proxy"])
	for _, v := range env {
		assert.False(t, strings.Contains(v, "@"))
	}
}

func TestNetworkConfig_ResolvesLocally(t *testing.T) {
	t.Parallel()

	for scheme, want := range map[string]bool{
		"http": false, "https": false, "socks4": true, "socks4a": false, "socks5": true, "socks5h": false,
	} {
		assert.Equal(t, want, (&NetworkConfig{Scheme: scheme}).ResolvesLocally(), scheme)
	}
	assert.False(t, (*NetworkConfig)(nil).ResolvesLocally())
}
