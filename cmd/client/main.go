package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghostwire/ghostwire/internal/auth"
	"github.com/ghostwire/ghostwire/internal/client"
)

func main() {
	configPath := flag.String("c", "", "path to client configuration file")
	flag.StringVar(configPath, "config", "", "path to client configuration file")
	generateToken := flag.Bool("generate-token", false, "generate an authentication token and exit")
	flag.Parse()

	if *generateToken {
		token, err := auth.GenerateToken()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generating token:", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-c/--config is required")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	dial, err := client.NewCarrierDialer(cfg, 10*time.Second)
	if err != nil {
		slog.Error("failed to configure proxy", "err", err)
		os.Exit(1)
	}

	sup, err := client.NewSupervisor(cfg, dial)
	if err != nil {
		slog.Error("failed to start listeners", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("client starting")
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("client exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("client stopped")
}
