package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ghostwire/ghostwire/internal/auth"
	"github.com/ghostwire/ghostwire/internal/server"
)

func main() {
	configPath := flag.String("c", "", "path to server configuration file")
	flag.StringVar(configPath, "config", "", "path to server configuration file")
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

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg)
	slog.Info("server starting")
	if err := srv.Run(); err != nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}
