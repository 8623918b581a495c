// Command annosync runs the annotation sync engine: it watches a local
// annotation store, reconciles it with a shared room document over the
// relay, and writes accepted remote changes back through the store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/engine"
	"github.com/agentworkforce/annosync/internal/vault"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "annosync: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "", "Path to a YAML config file")
	relayURL := flag.String("relay", "", "Relay base URL (http(s)://host:port)")
	room := flag.String("room", "", "Room name")
	author := flag.String("author", "", "Participant name attached to every record")
	token := flag.String("token", "", "Room bearer token")
	storeDir := flag.String("store-dir", "", "Directory of the file-backed annotation store")
	storeURL := flag.String("store-url", "", "Base URL of the HTTP annotation store")
	vaultPath := flag.String("vault", "", "Path to the sync vault database")
	mode := flag.String("mode", "", "Sync mode: auto, review, push or pull")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		loaded, err := engine.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Flags override the file.
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *room != "" {
		cfg.Room = *room
	}
	if *author != "" {
		cfg.Author = *author
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *storeDir != "" {
		cfg.StoreDir = *storeDir
	}
	if *storeURL != "" {
		cfg.StoreURL = *storeURL
	}
	if *vaultPath != "" {
		cfg.VaultPath = *vaultPath
	}
	if *mode != "" {
		cfg.Mode = engine.Mode(*mode)
	}
	if *debug {
		cfg.Safety.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Safety.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := engine.OpenStore(&cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	v, err := vault.Open(cfg.VaultPath, vault.Options{})
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer v.Close()

	document := doc.NewDocument(cfg.Room)
	eng, err := engine.New(cfg, store, v, document, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("annosync starting",
		"room", cfg.Room, "author", cfg.Author, "mode", string(cfg.Mode), "relay", cfg.RelayURL)
	eng.Start(ctx)
	logger.Info("annosync stopped")
	return nil
}
