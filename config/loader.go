// =============================================================================
// 📦 toolguard 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("toolguard.yaml").
//	    WithEnvPrefix("TOOLGUARD").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 toolguard 的完整配置结构
type Config struct {
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
	Sandbox   SandboxConfig   `yaml:"sandbox" env:"SANDBOX"`
	Native    NativeConfig    `yaml:"native" env:"NATIVE"`
	Network   NetworkConfig   `yaml:"network" env:"NETWORK"`
	Registry  RegistryConfig  `yaml:"registry" env:"REGISTRY"`
	Secrets   SecretsConfig   `yaml:"secrets" env:"SECRETS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	// 默认执行模式: native, sandbox, hybrid
	DefaultMode string `yaml:"default_mode" env:"DEFAULT_MODE"`
	// 单次执行输出上限（字节）
	MaxOutputBytes int `yaml:"max_output_bytes" env:"MAX_OUTPUT_BYTES"`
}

// SchedulerConfig 并发调度配置
type SchedulerConfig struct {
	// 最大并发数，0 表示按 CPU 与内存自动计算
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// 每个执行预留内存（MB）
	PerWorkerMemoryMB int `yaml:"per_worker_memory_mb" env:"PER_WORKER_MEMORY_MB"`
	// 排队上限
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 默认执行超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// SandboxConfig 容器沙箱配置
type SandboxConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	DockerBinary string `yaml:"docker_binary" env:"DOCKER_BINARY"`
	TmpfsSize    string `yaml:"tmpfs_size" env:"TMPFS_SIZE"`
	// 安装每次执行出口防火墙规则所用的 iptables
	IptablesBinary string `yaml:"iptables_binary" env:"IPTABLES_BINARY"`
	// 非 root 用户，uid:gid
	User      string   `yaml:"user" env:"USER"`
	DNS       []string `yaml:"dns" env:"DNS"`
	MemoryMB  int      `yaml:"memory_mb" env:"MEMORY_MB"`
	CPUShares int      `yaml:"cpu_shares" env:"CPU_SHARES"`
	PidsLimit int      `yaml:"pids_limit" env:"PIDS_LIMIT"`
	// 本地缺少镜像时是否允许拉取
	AllowPull    bool          `yaml:"allow_pull" env:"ALLOW_PULL"`
	PullRetries  int           `yaml:"pull_retries" env:"PULL_RETRIES"`
	PullInterval time.Duration `yaml:"pull_interval" env:"PULL_INTERVAL"`
	PullBurst    int           `yaml:"pull_burst" env:"PULL_BURST"`
	// 执行结束后删除镜像
	RemoveImages     bool          `yaml:"remove_images" env:"REMOVE_IMAGES"`
	TeardownTimeout  time.Duration `yaml:"teardown_timeout" env:"TEARDOWN_TIMEOUT"`
	ArtifactRoot     string        `yaml:"artifact_root" env:"ARTIFACT_ROOT"`
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes" env:"MAX_ARTIFACT_BYTES"`
}

// NativeConfig 本地执行配置
type NativeConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	KillGrace time.Duration `yaml:"kill_grace" env:"KILL_GRACE"`
	// 子进程 PATH，为空时继承当前进程
	Path    string `yaml:"path" env:"PATH"`
	Home    string `yaml:"home" env:"HOME"`
	Lang    string `yaml:"lang" env:"LANG"`
	WorkDir string `yaml:"work_dir" env:"WORK_DIR"`
}

// NetworkConfig 代理校验配置
type NetworkConfig struct {
	AllowedSchemes         []string      `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES"`
	AllowedHosts           []string      `yaml:"allowed_hosts" env:"ALLOWED_HOSTS"`
	DeniedCIDRs            []string      `yaml:"denied_cidrs" env:"DENIED_CIDRS"`
	DNSTimeout             time.Duration `yaml:"dns_timeout" env:"DNS_TIMEOUT"`
	DNSRetries             int           `yaml:"dns_retries" env:"DNS_RETRIES"`
	BlockAnonymityNetworks bool          `yaml:"block_anonymity_networks" env:"BLOCK_ANONYMITY_NETWORKS"`
}

// RegistryConfig 工具注册表配置
type RegistryConfig struct {
	// 清单文件或目录
	Paths []string `yaml:"paths" env:"PATHS"`
	// 准入白名单。为空时准入所有合法清单：清单目录中的任何工具都视为已通过扫描审批
	AllowedTools  []string      `yaml:"allowed_tools" env:"ALLOWED_TOOLS"`
	Watch         bool          `yaml:"watch" env:"WATCH"`
	DebounceDelay time.Duration `yaml:"debounce_delay" env:"DEBOUNCE_DELAY"`
}

// SecretsConfig 凭据配置
type SecretsConfig struct {
	// dotenv 文件路径，为空时只读取进程环境变量
	EnvFile string `yaml:"env_file" env:"ENV_FILE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// doctor --listen 的默认监听地址
	ListenAddr      string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TOOLGUARD",
		lookupEnv:  os.LookupEnv,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量，最后执行 Validate 与自定义验证器
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置；显式指定的文件不存在时报错
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if _, err := types.ParseExecutionMode(c.Engine.DefaultMode); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Engine.MaxOutputBytes <= 0 {
		errs = append(errs, "engine.max_output_bytes must be positive")
	}

	if c.Scheduler.MaxWorkers < 0 {
		errs = append(errs, "scheduler.max_workers must not be negative")
	}
	if c.Scheduler.QueueSize <= 0 {
		errs = append(errs, "scheduler.queue_size must be positive")
	}
	if c.Scheduler.DefaultTimeout <= 0 {
		errs = append(errs, "scheduler.default_timeout must be positive")
	}

	if !c.Sandbox.Enabled && !c.Native.Enabled {
		errs = append(errs, "at least one of sandbox and native must be enabled")
	}
	if c.Sandbox.Enabled {
		if isRootUser(c.Sandbox.User) {
			errs = append(errs, "sandbox.user must not be root")
		}
		if c.Sandbox.PullRetries < 0 {
			errs = append(errs, "sandbox.pull_retries must not be negative")
		}
	}

	for _, s := range c.Network.DeniedCIDRs {
		if _, err := netip.ParsePrefix(s); err != nil {
			errs = append(errs, fmt.Sprintf("network.denied_cidrs: %v", err))
		}
	}
	if c.Network.DNSTimeout <= 0 {
		errs = append(errs, "network.dns_timeout must be positive")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, "log.format must be json or console")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DeniedPrefixes 返回解析后的拒绝网段，调用前需已通过 Validate
func (n NetworkConfig) DeniedPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(n.DeniedCIDRs))
	for _, s := range n.DeniedCIDRs {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

func isRootUser(user string) bool {
	u := strings.TrimSpace(user)
	return u == "" || u == "0" || u == "root" || strings.HasPrefix(u, "0:") || strings.HasPrefix(u, "root:")
}
