// =============================================================================
// 📦 toolguard 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:    DefaultEngineConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Sandbox:   DefaultSandboxConfig(),
		Native:    DefaultNativeConfig(),
		Network:   DefaultNetworkConfig(),
		Registry:  DefaultRegistryConfig(),
		Secrets:   SecretsConfig{},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultMode:    "hybrid",
		MaxOutputBytes: 1 << 20,
	}
}

// DefaultSchedulerConfig 返回默认调度配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PerWorkerMemoryMB: 512,
		QueueSize:         1000,
		DefaultTimeout:    5 * time.Minute,
	}
}

// DefaultSandboxConfig 返回默认沙箱配置
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Enabled:          true,
		DockerBinary:     "docker",
		TmpfsSize:        "64m",
		IptablesBinary:   "iptables",
		User:             "65534:65534",
		DNS:              []string{"1.1.1.1", "9.9.9.9"},
		MemoryMB:         512,
		CPUShares:        512,
		PidsLimit:        128,
		AllowPull:        true,
		PullRetries:      3,
		PullInterval:     2 * time.Second,
		PullBurst:        2,
		TeardownTimeout:  15 * time.Second,
		MaxArtifactBytes: 64 << 20,
	}
}

// DefaultNativeConfig 返回默认本地执行配置
func DefaultNativeConfig() NativeConfig {
	return NativeConfig{
		Enabled:   true,
		KillGrace: 2 * time.Second,
		Lang:      "C.UTF-8",
	}
}

// DefaultNetworkConfig 返回默认代理校验配置
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		AllowedSchemes:         []string{"http", "https", "socks4", "socks4a", "socks4h", "socks5", "socks5h"},
		DNSTimeout:             3 * time.Second,
		DNSRetries:             2,
		BlockAnonymityNetworks: true,
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Paths:         []string{"tools"},
		DebounceDelay: 200 * time.Millisecond,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "toolguard",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:         true,
		Namespace:       "toolguard",
		ListenAddr:      "127.0.0.1:9464",
		ShutdownTimeout: 10 * time.Second,
	}
}
