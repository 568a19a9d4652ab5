package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	graphragwebui "github.com/avandelay-labs/graphrag-webui"
	"github.com/avandelay-labs/graphrag-webui/internal/backend"
	"github.com/avandelay-labs/graphrag-webui/internal/handlers"
	"github.com/avandelay-labs/graphrag-webui/internal/services"
	"gopkg.in/yaml.v3"
)

const defaultTitlePrompt = "Write a short title, five words at most, for a chat that starts " +
	"with the following message. Reply with the title only."

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/graphrag-webui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}

	if cfg.Backend.URL == "" {
		log.Fatal("backend url is required")
	}
	creds := backend.Credentials{
		Token:  cfg.Backend.apiKey(),
		UserID: cfg.Backend.userID(),
	}

	flushInterval, err := cfg.flushInterval()
	if err != nil {
		log.Fatal(fmt.Errorf("error parsing flushInterval: %w", err))
	}

	titlePrompt := cfg.TitlePrompt
	if titlePrompt == "" {
		titlePrompt = defaultTitlePrompt
	}
	titleGen, err := cfg.TitleGen.titleGen(titlePrompt)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating title generator: %w", err))
	}

	dbPath := filepath.Join(cfgPath, "store.db")
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening session store: %w", err))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	client := backend.NewClient(cfg.Backend.URL, creds, logger)

	m, err := handlers.NewMain(client, boltDB, titleGen, handlers.Config{
		ResponseMode:     cfg.ResponseMode,
		StreamingEnabled: cfg.streamingEnabled(),
		FlushInterval:    flushInterval,
	}, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	// Serve static files
	staticFS, err := fs.Sub(graphragwebui.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/sessions/end", m.HandleEndSession)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/sessions", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		log.Println("Server starting on :" + port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}

		if err := boltDB.Close(); err != nil {
			log.Printf("Failed to close session store: %v", err)
		}
	}
}
