package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/breaker"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/cache"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/channel"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/config"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/eventsub"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/logging"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/metrics"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/ratelimit"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/supervisor"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/token"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/twitchapi"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[eventsubd] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("log_level", cfg.LogLevel).Int("gomaxprocs", maxProcs).Msg("starting eventsubd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}

	breakers := breaker.NewRegistry(logger)
	go breakers.RunIdleEviction(ctx.Done(), cfg.BreakerIdleEvictionInterval, cfg.BreakerIdleEvictionInterval)

	limiter := ratelimit.New(logger)

	apiBreaker := breakers.Get("twitch_api", breaker.Config{
		FailureThreshold: cfg.BreakerAPIFailureThreshold,
		RecoveryTimeout:  cfg.BreakerAPIRecoveryTimeout,
		SuccessThreshold: cfg.BreakerAPISuccessThreshold,
	})
	api := twitchapi.New(httpClient, apiBreaker, limiter, logger)

	store := cache.New(cfg.BroadcasterCachePath, cfg.CacheMaxEntries, logger)
	resolver := channel.New(api, store, cfg.ChannelResolveConcurrent, logger)

	tokens := token.NewManager(token.Config{
		RefreshThreshold:      time.Duration(cfg.TokenRefreshThresholdSeconds) * time.Second,
		SafetyBuffer:          time.Duration(cfg.TokenRefreshSafetyBufferSeconds) * time.Second,
		ValidationMinInterval: cfg.TokenValidationMinInterval,
		BackgroundBaseSleep:   cfg.TokenBackgroundBaseSleep,
		PeriodicValidation:    cfg.TokenPeriodicValidationInterval,
	}, httpClient, logger)

	tokens.Upsert(
		cfg.TwitchBotUsername,
		cfg.TwitchBotAccessToken,
		cfg.TwitchBotRefreshToken,
		cfg.TwitchClientID,
		cfg.TwitchClientSecret,
		time.Time{},
	)

	tokens.Start()
	defer tokens.Stop()

	dispatcher := eventsub.Dispatcher{
		Message: func(msg eventsub.ChatMessage) {
			logger.Info().
				Str("channel", msg.BroadcasterUserName).
				Str("chatter", msg.ChatterUserName).
				Str("text", msg.Text).
				Msg("chat message received")
		},
		Command: func(msg eventsub.ChatMessage) {
			logger.Debug().Str("chatter", msg.ChatterUserName).Str("text", msg.Text).Msg("command received")
		},
	}

	session := eventsub.NewSession(eventsub.Config{
		Username:         cfg.TwitchBotUsername,
		ClientID:         cfg.TwitchClientID,
		AccessToken:      cfg.TwitchBotAccessToken,
		PrimaryChannel:   cfg.TwitchPrimaryChannel,
		WSURL:            cfg.EventSubURL,
		Heartbeat:        cfg.WebSocketHeartbeatInterval,
		MessageTimeout:   cfg.WebSocketMessageTimeout,
		MaxBackoff:       cfg.EventSubMaxBackoff,
		StaleThreshold:   cfg.WebSocketStaleThreshold,
		SubCheckInterval: cfg.EventSubSubCheckInterval,
		MaxConcurrentSub: cfg.SubscribeMaxConcurrent,
	}, tokens, resolver, api, breakers, breaker.Config{
		FailureThreshold: cfg.BreakerWebSocketFailureThreshold,
		RecoveryTimeout:  cfg.BreakerWebSocketRecoveryTimeout,
		SuccessThreshold: cfg.BreakerWebSocketSuccessThreshold,
	}, dispatcher, logger)

	sup := supervisor.New(cfg.HealthProbeInterval, logger)
	sup.Register(cfg.TwitchBotUsername, session)
	go sup.Run(ctx)
	defer sup.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(session))

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	sessionErrCh := make(chan error, 1)
	go func() {
		sessionErrCh <- session.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-sessionErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("session exited unexpectedly")
		}
	}

	cancel()
	session.Stop()
	sup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	logger.Info().Msg("eventsubd stopped")
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

func healthHandler(session *eventsub.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resp := healthResponse{
			Status:    "ok",
			Connected: session.HasBackend(),
			State:     session.State().String(),
		}
		if !session.IsHealthy() || !session.HasBackend() {
			resp.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(resp)
	}
}
