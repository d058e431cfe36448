// Command msgfleetd runs the message fleet daemon: a pool of chat sessions
// used for templated bulk sends and, optionally, an automated question
// answering mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"msgfleet/internal/app"
	"msgfleet/pkg/logx"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config.yaml", "path to the config file (JSON or YAML)")
		minReady = flag.Int("min-ready", 1, "sessions that must connect before the daemon reports ready (0 skips the wait)")
	)
	flag.Parse()

	if err := run(*cfgPath, *minReady); err != nil {
		fmt.Fprintln(os.Stderr, "msgfleetd:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, minReady int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx)
		return err
	}

	if minReady > 0 {
		if err := a.WaitReady(ctx, minReady); err != nil {
			log.Warn("sessions still connecting", logx.Err(err))
		}
	}

	// Under systemd Type=notify this flips the unit to active; elsewhere it
	// is a no-op.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify ready sent")
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}
