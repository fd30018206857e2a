package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/twilsync/internal/auth"
	"github.com/alexjbarnes/twilsync/internal/config"
	"github.com/alexjbarnes/twilsync/internal/daemon"
	"github.com/alexjbarnes/twilsync/internal/logging"
)

var Version = "dev"

const usage = "usage: twilsync [run | hash-key | version]"

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "hash-key":
		hashKey()
	case "version":
		fmt.Println(Version)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// hashKey prints the bcrypt hash for MCP_API_KEY_HASH. An empty line
// on stdin generates a new key, which is printed to stderr.
func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key (empty to generate): ")

	scanner := bufio.NewScanner(os.Stdin)
	key := ""

	if scanner.Scan() {
		key = strings.TrimSpace(scanner.Text())
	}

	if key == "" {
		key = auth.GenerateAPIKey()
		fmt.Fprintf(os.Stderr, "\nGenerated API key: %s\n", key)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("twilsync starting",
		slog.String("version", Version),
		slog.String("cache", cfg.CachePath),
		slog.Bool("mcp", cfg.MCPEnable),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, logger, daemon.WithVersion(Version))
	if err != nil {
		return err
	}

	if err := d.Run(ctx); err != nil {
		return err
	}

	logger.Info("twilsync stopped")

	return nil
}
