// Command annosync-relay serves the collaboration relay. Configuration
// is environment-driven:
//
//	ANNOSYNC_ADDR              listen address (default :8120)
//	ANNOSYNC_ROOMS             room:token pairs, comma separated
//	ANNOSYNC_MONITOR_TOKEN     bearer token for the monitoring routes
//	ANNOSYNC_DATA_DIR          file backend root (default ./annosync-data)
//	ANNOSYNC_POSTGRES_DSN      use postgres storage instead of files
//	ANNOSYNC_MIN_TOKEN_LENGTH  minimum room token length (default 16)
//	ANNOSYNC_MAX_ROOMS         live room cap (default 64)
//	ANNOSYNC_MAX_CONNS_PER_IP  concurrent connections per IP (default 16)
//	ANNOSYNC_COMPACT_INTERVAL  compaction interval (default 1h)
//	ANNOSYNC_RETENTION         tombstone retention (default 720h)
//	ANNOSYNC_ACTIVITY_LOG      rotating activity log file (optional)
//	ANNOSYNC_DEBUG             enable debug logging when set
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/annosync/internal/relay"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "annosync-relay: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	addr := os.Getenv("ANNOSYNC_ADDR")
	if addr == "" {
		addr = ":8120"
	}

	level := slog.LevelInfo
	if os.Getenv("ANNOSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	rooms, err := parseRooms(os.Getenv("ANNOSYNC_ROOMS"))
	if err != nil {
		return err
	}

	backend, err := buildBackendFromEnv()
	if err != nil {
		return err
	}
	defer backend.Close()

	var activityLogger *slog.Logger
	if path := strings.TrimSpace(os.Getenv("ANNOSYNC_ACTIVITY_LOG")); path != "" {
		rotated := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		defer rotated.Close()
		activityLogger = slog.New(slog.NewJSONHandler(rotated, nil))
	}

	server, err := relay.NewServer(relay.ServerConfig{
		RoomTokens:     rooms,
		MonitorToken:   strings.TrimSpace(os.Getenv("ANNOSYNC_MONITOR_TOKEN")),
		MinTokenLength: intEnv("ANNOSYNC_MIN_TOKEN_LENGTH", 0),
		MaxRooms:       intEnv("ANNOSYNC_MAX_ROOMS", 0),
		MaxConnsPerIP:  intEnv("ANNOSYNC_MAX_CONNS_PER_IP", 0),
	}, backend, logger, activityLogger)
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	compactor := relay.NewCompactor(server, logger,
		durationEnv("ANNOSYNC_COMPACT_INTERVAL", 0),
		durationEnv("ANNOSYNC_RETENTION", 0))
	go compactor.Run(ctx)

	httpServer := &http.Server{Addr: addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", addr, "rooms", len(rooms))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("relay stopped")
	return nil
}

// parseRooms splits "room:token,room:token" into a map.
func parseRooms(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("ANNOSYNC_ROOMS is required (room:token pairs, comma separated)")
	}
	rooms := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("malformed room pair %q", pair)
		}
		rooms[strings.TrimSpace(name)] = strings.TrimSpace(token)
	}
	return rooms, nil
}

func buildBackendFromEnv() (relay.Backend, error) {
	if dsn := strings.TrimSpace(os.Getenv("ANNOSYNC_POSTGRES_DSN")); dsn != "" {
		return relay.NewPostgresBackend(dsn)
	}
	dataDir := strings.TrimSpace(os.Getenv("ANNOSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = "annosync-data"
	}
	return relay.NewFileBackend(dataDir)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env var, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
