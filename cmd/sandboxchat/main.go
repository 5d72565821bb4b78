// Command sandboxchat serves the chat API over HTTP and WebSocket.
//
// Usage:
//
//	export ANTHROPIC_API_KEY="your-api-key"
//	go run ./cmd/sandboxchat -config sandboxchat.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/sandboxchat/pkg/app"
	"github.com/nstogner/sandboxchat/pkg/config"
	"github.com/nstogner/sandboxchat/pkg/logging"
	"github.com/nstogner/sandboxchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(out, level, cfg.Log.Format)
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	srv := server.New(a.Conversation, a.Workspace, cfg.Preview.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.RunReaper(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.Start(cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
