package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/thisisjab/logcast/api"
	"github.com/thisisjab/logcast/config"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", "./.config.yaml", "path to config file")
	flag.Parse()

	// Create a context that is cancelled on Ctrl+C (SIGINT) or Terminate (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg = config.FromEnv(cfg, os.LookupEnv)

	app, err := cfg.Parse(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot parse config file: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			logger.Error("server panic", "error", r)
		}
	}()

	server, err := api.NewServer(app.API, logger, app.Engine, app.Hub)
	if err != nil {
		logger.Error("server error.", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down.", "cause", context.Cause(gctx))
		// Subscribers hold their connections open, drop them so the server can drain.
		app.Hub.Close()
		return nil
	})

	runErr := g.Wait()

	if err := app.Close(); err != nil {
		logger.Error("cannot close bus publisher.", "error", err)
	}

	if runErr != nil {
		logger.Error("server error.", "error", runErr)
		os.Exit(1)
	}

	logger.Info("server stopped.")
}
