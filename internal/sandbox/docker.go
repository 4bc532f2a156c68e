package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/BaSui01/toolguard/types"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// DockerConfig 配置 Docker CLI 运行时
type DockerConfig struct {
	Binary    string
	TmpfsSize string
	Labels    map[string]string
	// Iptables installs the per-run egress rules.
	Iptables string
}

// DockerRuntime implements Runtime on top of the docker CLI.
type DockerRuntime struct {
	binary    string
	tmpfsSize string
	iptables  string
	labels    map[string]string
	logger    *zap.Logger
}

// NewDockerRuntime creates a Docker CLI runtime.
func NewDockerRuntime(cfg DockerConfig, logger *zap.Logger) *DockerRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.TmpfsSize == "" {
		cfg.TmpfsSize = "64m"
	}
	if cfg.Iptables == "" {
		cfg.Iptables = "iptables"
	}
	return &DockerRuntime{
		binary:    cfg.Binary,
		tmpfsSize: cfg.TmpfsSize,
		iptables:  cfg.Iptables,
		labels:    cfg.Labels,
		logger:    logger.With(zap.String("component", "docker_runtime")),
	}
}

func (d *DockerRuntime) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, d.binary, args...)
}

func (d *DockerRuntime) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := d.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Ping implements Runtime.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.output(ctx, "version", "--format", "{{.Server.Version}}")
	return err
}

// ImageDigest implements Runtime. The digest comes from the image's
// RepoDigests for the pinned repository.
func (d *DockerRuntime) ImageDigest(ctx context.Context, image types.ImageRef) (string, error) {
	cmd := d.command(ctx, "image", "inspect", "--format", "{{json .RepoDigests}}", image.Pinned())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if strings.Contains(strings.ToLower(stderr.String()), "no such image") {
			return "", ErrImageNotFound
		}
		return "", fmt.Errorf("docker image inspect: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseRepoDigest(out, image.Repository)
}

func parseRepoDigest(raw []byte, repository string) (string, error) {
	var digests []string
	if err := json.Unmarshal(bytes.TrimSpace(raw), &digests); err != nil {
		return "", fmt.Errorf("parse repo digests: %w", err)
	}
	for _, rd := range digests {
		repo, digest, ok := strings.Cut(rd, "@")
		if ok && sameRepository(repo, repository) {
			return digest, nil
		}
	}
	return "", ErrImageNotFound
}

// sameRepository compares repository names, ignoring the implicit
// docker.io/library prefix docker adds to official images.
func sameRepository(a, b string) bool {
	norm := func(s string) string {
		s = strings.TrimPrefix(s, "docker.io/")
		return strings.TrimPrefix(s, "library/")
	}
	return norm(a) == norm(b)
}

// PullImage implements Runtime.
func (d *DockerRuntime) PullImage(ctx context.Context, image types.ImageRef) error {
	_, err := d.output(ctx, "pull", "--quiet", image.Pinned())
	return err
}

// CreateNetwork implements Runtime. The network gets its own bridge
// interface, and DOCKER-USER plus INPUT rules drop everything entering from
// it except TCP to the pinned proxy. A failed rule removes the network
// again so the sandbox never starts with open egress.
func (d *DockerRuntime) CreateNetwork(ctx context.Context, spec *Spec) (string, error) {
	if spec.Egress == nil || !spec.Egress.Addr.IsValid() || spec.Egress.Port == 0 {
		return "", fmt.Errorf("sandbox network requires a pinned proxy address")
	}
	if !spec.Egress.Addr.Unmap().Is4() {
		return "", fmt.Errorf("sandbox egress supports IPv4 proxies only, got %s", spec.Egress.Addr)
	}

	name := NetworkName(spec)
	args := d.networkArgs(spec)
	d.logger.Debug("creating network", zap.String("network", name), zap.Strings("args", args))
	if _, err := d.output(ctx, args...); err != nil {
		return "", err
	}
	for _, rule := range egressRules(spec) {
		if err := d.iptablesRun(ctx, "-I", rule); err != nil {
			if rerr := d.RemoveNetwork(ctx, spec); rerr != nil {
				d.logger.Warn("roll back sandbox network", zap.String("network", name), zap.Error(rerr))
			}
			return "", fmt.Errorf("install egress rule: %w", err)
		}
	}
	return name, nil
}

func (d *DockerRuntime) networkArgs(spec *Spec) []string {
	args := []string{
		"network", "create",
		"--driver", "bridge",
		"--opt", "com.docker.network.bridge.name=" + BridgeName(spec),
		"--opt", "com.docker.network.bridge.enable_icc=false",
		"--label", "toolguard.tool=" + spec.Tool,
	}
	for _, k := range sortedKeys(d.labels) {
		args = append(args, "--label", k+"="+d.labels[k])
	}
	return append(args, NetworkName(spec))
}

// RemoveNetwork implements Runtime.
func (d *DockerRuntime) RemoveNetwork(ctx context.Context, spec *Spec) error {
	var errs []error
	for _, rule := range egressRules(spec) {
		if err := d.iptablesRun(ctx, "-D", rule); err != nil && !isMissingRule(err) {
			errs = append(errs, err)
		}
	}
	if _, err := d.output(ctx, "network", "rm", NetworkName(spec)); err != nil && !isMissingNetwork(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NetworkName is the per-run network a bridged spec joins.
func NetworkName(spec *Spec) string {
	return spec.Name + "_net"
}

// BridgeName is the host interface of the per-run network. Linux limits
// interface names to 15 bytes.
func BridgeName(spec *Spec) string {
	sum := blake3.Sum256([]byte(spec.Name))
	return "tg" + hex.EncodeToString(sum[:])[:12]
}

type egressRule struct {
	chain string
	args  []string
}

// egressRules lists the firewall rules for spec in insertion order. Every
// rule is inserted at the top of its chain, so the DROP rules go first and
// end up below the ACCEPT rules.
func egressRules(spec *Spec) []egressRule {
	eg := spec.Egress
	if eg == nil || !eg.Addr.Unmap().Is4() {
		return nil
	}
	bridge := BridgeName(spec)
	comment := []string{"-m", "comment", "--comment", "toolguard:" + spec.Name}
	chains := []string{"DOCKER-USER", "INPUT"}

	var rules []egressRule
	for _, chain := range chains {
		args := append([]string{"-i", bridge}, comment...)
		rules = append(rules, egressRule{chain: chain, args: append(args, "-j", "DROP")})
	}

	accept := func(dst netip.Addr, proto string, port uint16) {
		for _, chain := range chains {
			args := []string{"-i", bridge, "-d", dst.String() + "/32", "-p", proto, "--dport", strconv.Itoa(int(port))}
			args = append(args, comment...)
			rules = append(rules, egressRule{chain: chain, args: append(args, "-j", "ACCEPT")})
		}
	}
	if eg.LocalResolve {
		for _, dns := range spec.DNS {
			addr, err := netip.ParseAddr(dns)
			if err != nil || !addr.Unmap().Is4() {
				continue
			}
			accept(addr.Unmap(), "udp", 53)
			accept(addr.Unmap(), "tcp", 53)
		}
	}
	accept(eg.Addr.Unmap(), "tcp", eg.Port)
	return rules
}

func (d *DockerRuntime) iptablesRun(ctx context.Context, op string, rule egressRule) error {
	args := append([]string{"-w", op, rule.chain}, rule.args...)
	cmd := exec.CommandContext(ctx, d.iptables, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("iptables %s %s: %w: %s", op, rule.chain, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func isMissingRule(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does a matching rule exist") ||
		strings.Contains(msg, "no chain/target/match by that name")
}

func isMissingNetwork(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such network") || strings.Contains(msg, "not found")
}

// Create implements Runtime. A bridged spec must already carry the network
// returned by CreateNetwork.
func (d *DockerRuntime) Create(ctx context.Context, spec *Spec) (string, error) {
	if spec.NetworkMode == NetworkBridge && spec.Network == "" {
		return "", fmt.Errorf("bridged sandbox %s has no per-run network", spec.Name)
	}
	args := d.createArgs(spec)
	d.logger.Debug("creating container",
		zap.String("container", spec.Name),
		zap.String("image", spec.Image.Pinned()),
		zap.Strings("args", args),
	)

	cmd := d.command(ctx, args...)
	// Values travel through the CLI's environment so they never show up
	// in the process list.
	cmd.Env = os.Environ()
	for k, v := range spec.ProxyEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker create: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	id := strings.TrimSpace(stdout.String())
	if id == "" {
		id = spec.Name
	}
	return id, nil
}

func (d *DockerRuntime) createArgs(spec *Spec) []string {
	args := []string{
		"create",
		"--name", spec.Name,
		"--label", "toolguard.tool=" + spec.Tool,
	}
	for _, k := range sortedKeys(d.labels) {
		args = append(args, "--label", k+"="+d.labels[k])
	}

	// Security options
	for _, c := range spec.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	args = append(args,
		"--security-opt", "no-new-privileges",
		"--user", spec.User,
	)
	if spec.ReadOnlyRootFS {
		args = append(args,
			"--read-only",
			"--tmpfs", "/tmp:rw,noexec,nosuid,size="+d.tmpfsSize,
		)
	}

	// Resource limits
	res := spec.Resources
	if res.MemoryMB > 0 {
		mem := strconv.Itoa(res.MemoryMB) + "m"
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if res.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.Itoa(res.CPUShares))
	}
	if res.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(res.PidsLimit))
	}

	// Network: bridged runs join their own firewalled network. Resolvers
	// are only handed out when the proxy scheme needs local resolution.
	if spec.NetworkMode == NetworkBridge {
		args = append(args, "--network", spec.Network)
		if spec.Egress != nil && spec.Egress.LocalResolve {
			for _, dns := range spec.DNS {
				args = append(args, "--dns", dns)
			}
		}
	} else {
		args = append(args, "--network", spec.NetworkMode)
	}

	// Environment: names only, values come from the CLI environment.
	for _, k := range sortedKeys(spec.ProxyEnv) {
		args = append(args, "-e", k)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k)
	}

	command := append([]string(nil), spec.Command...)
	if len(spec.Entrypoint) > 0 {
		args = append(args, "--entrypoint", spec.Entrypoint[0])
		command = append(append([]string(nil), spec.Entrypoint[1:]...), command...)
	}

	args = append(args, spec.Image.Pinned())
	return append(args, command...)
}

// Start implements Runtime.
func (d *DockerRuntime) Start(ctx context.Context, id string, w io.Writer) (int, error) {
	cmd := d.command(ctx, "start", "--attach", id)
	cmd.Stdout = w
	cmd.Stderr = w
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("docker start: %w", err)
}

// Kill implements Runtime.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	_, err := d.output(ctx, "kill", id)
	return err
}

// Remove implements Runtime.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, err := d.output(ctx, "rm", "--force", "--volumes", id)
	return err
}

// CopyFrom implements Runtime.
func (d *DockerRuntime) CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error) {
	cmd := d.command(ctx, "cp", id+":"+path, "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker cp: %w", err)
	}
	return &cmdReadCloser{ReadCloser: out, cmd: cmd, stderr: &stderr}, nil
}

// RemoveImage implements Runtime.
func (d *DockerRuntime) RemoveImage(ctx context.Context, image types.ImageRef) error {
	_, err := d.output(ctx, "image", "rm", image.Pinned())
	return err
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (c *cmdReadCloser) Close() error {
	_ = c.ReadCloser.Close()
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("docker cp: %w: %s", err, strings.TrimSpace(c.stderr.String()))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
