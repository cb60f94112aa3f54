package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dashcal/internal/config"
	"dashcal/internal/dashboard"
	"dashcal/internal/ics"
	appLog "dashcal/internal/log"
	"dashcal/internal/store"
	"dashcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	dump       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.SetFormat(conf.LogFormat)
	appLog.Info("dashcal starting", "version", "0.1.0")

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", conf.Timezone)
		loc = time.Local
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"notify_every", conf.NotifyEvery,
		"state_dir", conf.StateDir,
		"ics_count", len(conf.ICS),
		"once", flags.once,
		"dump", flags.dump,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var st store.Store = store.NewFileStore(conf.StateDir)
	if flags.once {
		st = store.NewMemoryStore()
	}

	svc := dashboard.New(dashboard.Options{
		Fetcher:  ics.NewFetcher(0),
		Store:    st,
		Location: loc,
		Sources:  conf.Sources(),
	})

	if flags.once {
		os.Exit(runOnce(ctx, svc, flags.dump))
	}

	if err := svc.Start(ctx, conf.RefreshCron, conf.NotifyEvery); err != nil {
		appLog.Error("failed to start scheduler", err, "refresh", conf.RefreshCron, "notify_every", conf.NotifyEvery)
		os.Exit(1)
	}
	defer svc.Stop()

	srv := web.NewServer(conf, flags.configPath, svc, nil)
	if err := srv.Serve(ctx); err != nil {
		appLog.Error("http server failed", err, "listen", conf.Listen)
		os.Exit(1)
	}

	appLog.Info("dashcal exiting")
}

// runOnce performs one sync and one reminder check, prints the reminders
// (and the merged calendar with --dump) and returns the exit code.
func runOnce(ctx context.Context, svc *dashboard.Service, dump bool) int {
	if err := svc.Refresh(ctx); err != nil {
		if errors.Is(err, ics.ErrSync) {
			fmt.Fprintln(os.Stderr, dashboard.SyncErrorMessage)
		}
		return 1
	}

	for _, p := range svc.CheckNotifications(time.Now()) {
		fmt.Println(p.Text())
	}

	if dump {
		fmt.Print(ics.Export(svc.Events(), time.Now()))
	}
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/dashcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync + reminder check and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "With --once, print the merged calendar as ICS")

	flag.Parse()

	return cfg
}
