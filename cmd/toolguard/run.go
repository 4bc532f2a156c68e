package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BaSui01/toolguard/types"
	"github.com/google/shlex"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// =============================================================================
// 🚀 run 命令
// =============================================================================

func runTool(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := addConfigFlag(fs)
	tool := fs.String("tool", "", "Tool to execute")
	id := fs.String("id", "", "Request ID (generated when empty)")
	mode := fs.String("mode", "", "Execution mode: native, sandbox or hybrid")
	stealth := fs.Bool("stealth", false, "Refuse tools that are not stealth compatible")
	proxy := fs.String("proxy", "", "Proxy URL for tool traffic")
	timeout := fs.Duration("timeout", 0, "Per-execution timeout")
	entrypoint := fs.String("entrypoint", "", "Override the sandbox entrypoint")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *tool == "" {
		fmt.Fprintln(os.Stderr, "run: --tool is required")
		return exitUsage
	}

	req, err := buildRequest(*id, *tool, *mode, *proxy, *entrypoint, *stealth, *timeout, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tg, logger, err := bootstrap(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := tg.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	res, err := tg.Engine.Execute(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitFailure
	}
	if err := writeJSON(os.Stdout, res); err != nil {
		logger.Error("write result", zap.Error(err))
	}
	return exitCode(res)
}

func buildRequest(id, tool, mode, proxy, entrypoint string, stealth bool, timeout time.Duration, args []string) (types.ExecutionRequest, error) {
	m, err := types.ParseExecutionMode(mode)
	if err != nil {
		return types.ExecutionRequest{}, err
	}
	req := types.ExecutionRequest{
		ID:   id,
		Tool: tool,
		Args: args,
		Config: types.RequestConfig{
			StealthMode: stealth,
			ProxyURL:    proxy,
			Mode:        m,
		},
	}
	if timeout > 0 {
		secs := int((timeout + time.Second - 1) / time.Second)
		req.Config.TimeoutSeconds = secs
	}
	if entrypoint != "" {
		ep, err := shlex.Split(entrypoint)
		if err != nil {
			return types.ExecutionRequest{}, fmt.Errorf("parse entrypoint: %w", err)
		}
		req.Config.EntrypointOverride = ep
	}
	return req, nil
}

// exitCode mirrors the tool's status when it ran; policy rejections and
// engine failures get fixed codes.
func exitCode(res *types.ExecutionResult) int {
	switch {
	case res.Outcome == types.Success:
		return 0
	case res.Outcome == types.ErrNonZeroExit && res.ExitCode > 0:
		return res.ExitCode
	case res.Outcome.IsPolicy():
		return exitRejected
	default:
		return exitFailure
	}
}
