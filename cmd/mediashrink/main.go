package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mediashrink "github.com/gwlsn/mediashrink"
	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/jobs"
	"github.com/gwlsn/mediashrink/internal/lock"
	"github.com/gwlsn/mediashrink/internal/logger"
	"github.com/gwlsn/mediashrink/internal/runner"
	"github.com/gwlsn/mediashrink/internal/store"
)

// Exit codes
const (
	exitOK             = 0
	exitFatal          = 1
	exitUsage          = 2
	exitAlreadyRunning = 3
	exitInterrupted    = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file (default: ./config/mediashrink.yaml)")
	dryRun := flag.Bool("dry-run", false, "Analyze and report without encoding")
	workers := flag.Int("workers", 0, "Concurrent encodes (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	clearErrors := flag.Bool("clear-errors", false, "Forget recorded failures so those files are retried, then exit")
	sweep := flag.Bool("sweep", false, "Remove temp and backup files left by an interrupted run")
	history := flag.Int("history", 0, "Print the last n runs from history_db, then exit")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		flag.Usage()
		return exitUsage
	}

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("MEDIASHRINK_CONFIG"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/mediashrink.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init("info")
		logger.Error("Could not load config", "path", cfgPath, "error", err)
		return exitFatal
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *workers > 0 {
		cfg.Workers = jobs.ClampWorkerCount(*workers)
	}
	if *dryRun {
		cfg.DryRun = true
	}
	logger.InitWithFormat(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "path", cfgPath, "error", err)
		return exitFatal
	}

	if *history > 0 {
		runs, err := runner.RecentRuns(cfg, *history)
		if err != nil {
			logger.Error("Could not read run history", "error", err)
			return exitFatal
		}
		runner.PrintRuns(os.Stdout, runs)
		return exitOK
	}

	printBanner(cfgPath, cfg)

	session := runner.NewSession(cfg)
	session.Sweep = *sweep

	if *clearErrors {
		n, err := session.ClearErrors()
		if err != nil {
			return fatal(cfg, "Failed to clear errors", err)
		}
		fmt.Printf("  Cleared %d error records\n", n)
		return exitOK
	}

	// First signal cancels the run; ffmpeg gets SIGINT and a grace period.
	// A second signal falls through to the default handler and kills us.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stop()
			logger.Info("Shutdown signal received, finishing in-flight work")
		case <-done:
		}
	}()

	logger.Info("Mediashrink started", "version", mediashrink.Version, "workers", cfg.Workers, "dry_run", cfg.DryRun)
	sum, err := session.Run(ctx)
	if sum != nil {
		sum.Print(os.Stdout)
	}
	if err != nil {
		return fatal(cfg, "Run failed", err)
	}
	if sum.Interrupted {
		return exitInterrupted
	}
	return exitOK
}

func fatal(cfg *config.Config, msg string, err error) int {
	if runner.IsAlreadyRunning(err) {
		logger.Warn("Another run is in progress, exiting", "pid", lock.HolderPID(cfg.LockPath), "error", err)
		return exitAlreadyRunning
	}
	if store.IsCorrupt(err) || errors.Is(err, store.ErrNewerVersion) {
		logger.Error(msg, "error", err, "hint", "move the file aside to start fresh")
		return exitFatal
	}
	logger.Error(msg, "error", err)
	return exitFatal
}

func printBanner(cfgPath string, cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                        MEDIASHRINK                        ║")
	fmt.Println("║            Incremental library transcoding                ║")
	versionLine := fmt.Sprintf("v%s", mediashrink.Version)
	padding := 59 - len(versionLine)
	fmt.Printf("║%*s%s%*s║\n", padding/2, "", versionLine, (padding+1)/2, "")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Config:       %s\n", cfgPath)
	for _, root := range cfg.MediaRoots {
		fmt.Printf("  Media root:   %s\n", root)
	}
	fmt.Printf("  Job store:    %s\n", cfg.JobStorePath)
	if cfg.TempPath != "" {
		fmt.Printf("  Temp path:    %s\n", cfg.TempPath)
	} else {
		fmt.Printf("  Temp path:    (same as source)\n")
	}
	fmt.Printf("  Workers:      %d\n", cfg.Workers)
	fmt.Printf("  Hardware:     %s (%s)\n", cfg.Hardware, cfg.Codec)
	fmt.Printf("  Output:       %s\n", cfg.OutputMode)
	fmt.Printf("  FFmpeg:       %s\n", cfg.FFmpegPath)
	fmt.Printf("  FFprobe:      %s\n", cfg.FFprobePath)
	fmt.Println()
}
