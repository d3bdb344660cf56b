package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"lecture-attendance-go/internal/api"
	"lecture-attendance-go/internal/cleanup"
	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/logger"
	"lecture-attendance-go/internal/notify"
	"lecture-attendance-go/internal/sender"
	"lecture-attendance-go/internal/server"
	"lecture-attendance-go/internal/session"
	"lecture-attendance-go/internal/sse"
	"lecture-attendance-go/internal/storage"
	"lecture-attendance-go/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// sessionSink forwards the frame sender's output to whatever stream source
// is active right now. Between sessions it reports disconnected and drops
// frames.
type sessionSink struct {
	controller *session.Controller
}

func (s *sessionSink) SendBinary(payload []byte) {
	if ch, ok := s.controller.Source().(*stream.Channel); ok {
		ch.SendBinary(payload)
	}
}

func (s *sessionSink) Connected() bool {
	src := s.controller.Source()
	return src != nil && src.Connected()
}

func main() {
	configPath := flag.String("config", "/config/config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		// Log the error but continue, the logger might have defaulted
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	// Initialize database connection
	log.Info("Initializing database...")
	if err := storage.Init(cfg.DB); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Database initialization complete.")

	// Initialize Cleanup Service
	cleanupService := cleanup.NewService(storage.DB, cfg.Cleanup.RetentionDays, 24*time.Hour)
	if cleanupService != nil {
		cleanupService.StartBackgroundCleanup()
		defer cleanupService.StopBackgroundCleanup()
	}

	// SSE hub for live presence updates
	hub := sse.NewHub()
	go hub.Run()

	// MQTT notifier (nil when disabled, all methods are nil-safe)
	notifier := notify.NewMQTTNotifier(cfg.MQTT)
	if notifier != nil {
		if err := notifier.Start(); err != nil {
			log.Warnf("Failed to start MQTT notifier: %v. Continuing without MQTT.", err)
			notifier = nil
		} else {
			defer notifier.Stop()
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	// Backend REST client with persistent token store
	tokens := api.NewFileTokenStore(cfg.Server.DataDir)
	backend := api.NewClient(cfg.Backend, tokens)
	if cfg.Stream.Mode != "fake" && cfg.Backend.Email != "" {
		if err := backend.Login(context.Background(), cfg.Backend.Email, cfg.Backend.Password); err != nil {
			log.Warnf("Backend login failed: %v. A stored token may still be valid.", err)
		}
	}

	// Stream source factory: live websocket channel, or the synthetic
	// demo channel when mode is "fake"
	factory := func(endpoint string) stream.Source {
		if cfg.Stream.Mode == "fake" {
			return stream.NewFakeChannel(time.Second)
		}
		return stream.NewChannel(endpoint, cfg.Stream)
	}

	controller := session.NewController(cfg, backend, storage.DB, hub, notifier, factory)

	// Optional frame sender (stand-in for a live camera capture)
	if cfg.Sender.Enabled {
		snd, err := sender.New(cfg.Sender, &sessionSink{controller: controller})
		if err != nil {
			log.Warnf("Frame sender disabled: %v", err)
		} else {
			snd.Start()
			defer snd.Stop()
		}
	}

	// --- Setup API Handlers & Router ---
	apiHandler := server.NewAPIHandler(cfg, controller, storage.DB, hub)

	apiRouter := chi.NewRouter()
	apiRouter.Use(middleware.Recoverer)
	apiRouter.Use(middleware.RequestID)
	apiRouter.Use(middleware.Logger)
	apiHandler.RegisterRoutes(apiRouter)

	mainRouter := chi.NewRouter()
	mainRouter.Use(middleware.Recoverer)
	mainRouter.Mount("/api", apiRouter)
	mainRouter.Get("/events", apiHandler.HandleEvents)
	mainRouter.Handle("/metrics", server.MetricsHandler())

	// Start the server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Infof("Starting server on %s", serverAddr)
	if err := http.ListenAndServe(serverAddr, mainRouter); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Info("Server stopped.")
}
