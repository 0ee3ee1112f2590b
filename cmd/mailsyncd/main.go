package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/dkovacs/mailsyncd/internal/config"
	"github.com/dkovacs/mailsyncd/internal/crypto"
	"github.com/dkovacs/mailsyncd/internal/daemon"
	"github.com/dkovacs/mailsyncd/internal/db"
	ws "github.com/dkovacs/mailsyncd/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	wsHub := ws.NewHub(10)
	d := daemon.New(cfg, pool, encryptor, wsHub)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/api/v1/ws", wsHub.Handler())

	address := ":" + cfg.Port
	server := &http.Server{Addr: address, Handler: mux}
	go func() {
		log.Printf("mailsyncd notification server starting on %s (environment: %s)", address, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	if err := d.Run(ctx, pool); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}

	_ = server.Shutdown(context.Background())
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "ok")
}
