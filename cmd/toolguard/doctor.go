package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/BaSui01/toolguard/internal/server"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 doctor 命令
// =============================================================================

func runDoctor(args []string) int {
	fs := pflag.NewFlagSet("doctor", pflag.ContinueOnError)
	configPath := addConfigFlag(fs)
	listen := fs.String("listen", "", "Serve /metrics, /healthz and /diagnostics on this address")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx := context.Background()
	tg, logger, err := bootstrap(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = tg.Close(context.Background()) }()

	if *listen == "" {
		report, err := tg.Engine.Diagnostics(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			return exitFailure
		}
		if err := writeJSON(os.Stdout, report); err != nil {
			return exitFailure
		}
		return 0
	}

	var metricsHandler http.Handler
	if tg.Metrics != nil {
		metricsHandler = tg.Metrics.Handler()
	}
	handler := server.NewDoctorHandler(metricsHandler, func(ctx context.Context) (any, error) {
		return tg.Engine.Diagnostics(ctx)
	}, logger)

	cfg := server.DefaultConfig()
	cfg.Addr = *listen
	srv := server.NewManager(handler, cfg, logger)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		return exitFailure
	}
	logger.Info("doctor listening", zap.String("addr", srv.Addr()))

	if err := srv.WaitForShutdown(ctx); err != nil {
		logger.Error("doctor server stopped", zap.Error(err))
		return exitFailure
	}
	return 0
}

// =============================================================================
// 📋 tools 命令
// =============================================================================

func runTools(args []string) int {
	fs := pflag.NewFlagSet("tools", pflag.ContinueOnError)
	configPath := addConfigFlag(fs)
	asJSON := fs.Bool("json", false, "Print descriptors as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	tg, logger, err := bootstrap(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tools: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = tg.Close(context.Background()) }()

	tools := tg.Registry.List()
	if *asJSON {
		if err := writeJSON(os.Stdout, tools); err != nil {
			return exitFailure
		}
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODES\tSTEALTH\tIMAGE")
	for _, d := range tools {
		image := "-"
		if !d.Image.IsZero() {
			image = d.Image.Pinned()
		}
		fmt.Fprintf(tw, "%s\t%v\t%t\t%s\n", d.Name, d.Modes, d.StealthCompatible, image)
	}
	for name, reason := range tg.Registry.Rejected() {
		fmt.Fprintf(tw, "%s\trejected: %s\t\t\n", name, reason)
	}
	if err := tw.Flush(); err != nil {
		return exitFailure
	}
	return 0
}
