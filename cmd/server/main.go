package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"voxellobby.io/internal/config"
	"voxellobby.io/internal/hub"
	"voxellobby.io/internal/persistence/journal"
	"voxellobby.io/internal/persistence/worlddb"
	"voxellobby.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "", "path to config.yaml (optional)")
		dbPath     = flag.String("db", "", "sqlite db path (overrides config)")
		staticDir  = flag.String("static", "", "static file directory (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Addr = *addr
	}
	if strings.TrimSpace(*dbPath) != "" {
		cfg.DBPath = *dbPath
	}
	if strings.TrimSpace(*staticDir) != "" {
		cfg.StaticDir = *staticDir
	}

	store, err := worlddb.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open world db: %v", err)
	}
	defer store.Close()

	var jw hub.Journal
	if cfg.Journal {
		w := journal.NewWriter(filepath.Join(cfg.DataDir, "events"), "events")
		defer w.Close()
		jw = w
	}

	h, err := hub.New(hub.Config{
		Store:    store,
		Journal:  jw,
		BoardCap: cfg.BoardCap,
		Log:      log.New(os.Stdout, "[hub] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("hub: %v", err)
	}

	// Prime the in-memory caches before serving any traffic.
	blocks, err := store.LoadBlocks()
	if err != nil {
		logger.Fatalf("load blocks: %v", err)
	}
	msgs, err := store.LoadMessages(cfg.BoardCap)
	if err != nil {
		logger.Fatalf("load messages: %v", err)
	}
	h.Prime(blocks, msgs)
	logger.Printf("primed %d blocks, %d messages", len(blocks), len(msgs))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("hub loop: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(h, logger).Handler())
	if strings.TrimSpace(cfg.StaticDir) != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
		h.Stop()
	}()

	logger.Printf("listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http: %v", err)
	}
}
