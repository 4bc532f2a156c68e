// =============================================================================
// toolguard 命令行入口
// =============================================================================
// 使用方法:
//
//	toolguard run --tool whois -- example.com          # 执行一次工具
//	toolguard run --config toolguard.yaml --tool nmap --mode sandbox -- -sV host
//	toolguard doctor                                    # 打印工具可用性
//	toolguard doctor --listen 127.0.0.1:9464            # 暴露 /metrics 与 /diagnostics
//	toolguard tools                                     # 列出已准入工具
//	toolguard version                                   # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BaSui01/toolguard"
	"github.com/BaSui01/toolguard/config"
	"github.com/BaSui01/toolguard/internal/telemetry"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// exit codes for failures that are not the tool's own exit status
const (
	exitUsage    = 2
	exitFailure  = 1
	exitRejected = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(exitUsage)
	}

	var code int
	switch os.Args[1] {
	case "run":
		code = runTool(os.Args[2:])
	case "doctor":
		code = runDoctor(os.Args[2:])
	case "tools":
		code = runTools(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		code = exitUsage
	}
	os.Exit(code)
}

// =============================================================================
// 🔧 公共初始化
// =============================================================================

// bootstrap loads the configuration and builds the engine.
func bootstrap(ctx context.Context, configPath string) (*toolguard.Toolguard, *zap.Logger, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := initLogger(cfg.Log)
	logger.Debug("starting toolguard",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	tg, err := toolguard.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return tg, logger, nil
}

func addConfigFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", os.Getenv("TOOLGUARD_CONFIG"), "Path to config file (YAML)")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	v := Version
	if v == "dev" {
		v = telemetry.Version()
	}
	fmt.Printf("toolguard %s\n", v)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `toolguard - sandboxed security tool execution

Usage:
  toolguard <command> [options]

Commands:
  run       Execute one tool and print the result as JSON
  doctor    Report runner availability and image checks per tool
  tools     List admitted tools
  version   Show version information
  help      Show this help message

Options for 'run':
  -c, --config <path>       Path to configuration file (YAML)
      --tool <name>         Tool to execute
      --mode <mode>         native, sandbox or hybrid
      --stealth             Refuse tools that are not stealth compatible
      --proxy <url>         Route tool traffic through a validated proxy
      --timeout <duration>  Per-execution timeout
      --entrypoint <cmd>    Override the sandbox entrypoint
  Arguments after -- are passed to the tool unchanged.

Options for 'doctor':
  -c, --config <path>       Path to configuration file (YAML)
      --listen <addr>       Serve /metrics, /healthz and /diagnostics

Examples:
  toolguard run --tool whois -- example.com
  toolguard run --tool subfinder --stealth --proxy socks5://proxy.example.net:1080 -- -d example.com
  toolguard doctor --listen 127.0.0.1:9464
  toolguard version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		// stdout 保留给执行结果
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
