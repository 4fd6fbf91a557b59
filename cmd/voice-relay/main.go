package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/silviot/phone_voice_relay_go/pkg/capture"
	"github.com/silviot/phone_voice_relay_go/pkg/config"
	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
	"github.com/silviot/phone_voice_relay_go/pkg/relay"
	"github.com/silviot/phone_voice_relay_go/pkg/session"
	"github.com/silviot/phone_voice_relay_go/pkg/telephony"
)

func main() {
	// Parse flags
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	// Defaults, YAML file, .env, environment, then explicit flags
	cfg, err := config.Load(flags.ConfigFile, flags.EnvFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flags.Apply(flag.CommandLine, cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	logger.Info("starting voice relay",
		"port", cfg.Server.Port,
		"vendor", cfg.Vendor,
		"recording", cfg.Recording.Enabled,
		"softphone", cfg.Softphone.Enabled,
		"webhook_signatures", cfg.Twilio.AuthToken != "")

	m := metrics.New()

	newVoice, err := session.NewVoiceFactory(cfg, m, logger)
	if err != nil {
		logger.Error("failed to select voice vendor", "error", err)
		os.Exit(1)
	}

	sessionCfg, err := session.SessionConfig(cfg)
	if err != nil {
		logger.Error("failed to load call instructions", "error", err)
		os.Exit(1)
	}

	var store *capture.Store
	if cfg.Recording.Enabled {
		store = capture.NewStore(cfg.Recording.Dir, logger)
	}
	policy, _ := capture.ParseNegativeOffsetPolicy(cfg.Recording.NegativeOffset)

	var peers *telephony.PeerManager
	if cfg.Softphone.Enabled {
		peers, err = telephony.NewPeerManager(peerConfig(cfg.Softphone), m, logger)
		if err != nil {
			logger.Error("failed to create softphone peer manager", "error", err)
			os.Exit(1)
		}
	}

	// Create call manager
	callMgr := session.NewManager(session.ManagerConfig{
		NewVoice:       newVoice,
		Session:        sessionCfg,
		Greeting:       cfg.Call.Greeting,
		GreetingSettle: cfg.Call.GreetingSettle,
		Capture: relay.CaptureConfig{
			Padding:        cfg.Recording.Padding,
			NegativeOffset: policy,
		},
		Store:       store,
		PublicHost:  cfg.Server.PublicHost,
		AuthToken:   cfg.Twilio.AuthToken,
		ReadTimeout: cfg.Server.ReadTimeout,
		Peers:       peers,
		Metrics:     m,
		Logger:      logger,
	})
	defer callMgr.Close()

	// Setup HTTP server
	mux := http.NewServeMux()
	callMgr.Routes(mux)

	// Alias for container health probes
	mux.HandleFunc("GET /healthz", callMgr.HandleHealth)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Hijacked media streams are not tracked by the server; end them here so
	// their recordings are written before exit.
	callMgr.Close()

	logger.Info("voice relay stopped")
}

// peerConfig converts softphone configuration to WebRTC settings
func peerConfig(sc config.SoftphoneConfig) telephony.PeerConfig {
	turn := make([]telephony.TURNServer, len(sc.TURN))
	for i, t := range sc.TURN {
		turn[i] = telephony.TURNServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		}
	}
	return telephony.PeerConfig{
		STUN:            sc.STUN,
		TURN:            turn,
		IncludeLoopback: sc.IncludeLoopback,
		GatherTimeout:   sc.GatherTimeout,
	}
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
