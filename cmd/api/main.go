package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/auth"
	"github.com/bloomware/voicechat/backend/internal/config"
	"github.com/bloomware/voicechat/backend/internal/handler"
	chatHandler "github.com/bloomware/voicechat/backend/internal/handler/chat"
	"github.com/bloomware/voicechat/backend/internal/handler/gateway"
	toolsHandler "github.com/bloomware/voicechat/backend/internal/handler/tools"
	"github.com/bloomware/voicechat/backend/internal/logging"
	"github.com/bloomware/voicechat/backend/internal/service/ai"
	"github.com/bloomware/voicechat/backend/internal/service/chat"
	emotionservice "github.com/bloomware/voicechat/backend/internal/service/emotion"
	"github.com/bloomware/voicechat/backend/internal/service/intent"
	"github.com/bloomware/voicechat/backend/internal/service/orchestrator"
	"github.com/bloomware/voicechat/backend/internal/service/speech"
	"github.com/bloomware/voicechat/backend/internal/service/tools"
	"github.com/bloomware/voicechat/backend/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log)
	log.Logger = logger

	// 对话存储：配置了 DATABASE_URL 用 Postgres，否则内存
	var store chat.Store = chat.NewService()
	if cfg.Store.DatabaseURL != "" {
		pg, err := chat.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open postgres store")
		}
		defer pg.Close()
		store = pg
		logger.Info().Msg("postgres turn store ready")
	} else {
		logger.Info().Msg("DATABASE_URL 未配置，使用内存存储")
	}

	registry := tools.NewRegistry(cfg.Tools.Timeout, logging.Component(logger, "tools"))
	if err := tools.RegisterBuiltins(registry, tools.WeatherConfig{
		APIKey:  cfg.Tools.WeatherAPIKey,
		BaseURL: cfg.Tools.WeatherBaseURL,
		Retries: cfg.Tools.Retries,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register tools")
	}

	deps := session.Deps{Chats: store}

	if cfg.AI.Enabled() {
		orch, cleanup, err := buildOrchestrator(ctx, cfg, registry, store, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize chat pipeline")
		}
		defer cleanup()
		deps.Turns = orch
	} else {
		logger.Warn().Msg("Ark 凭证未配置，跳过对话功能初始化")
	}

	stage, err := speech.NewStageFromConfig(cfg.Speech, logging.Component(logger, "speech"))
	if err != nil {
		logger.Warn().Err(err).Msg("语音识别未启用")
	} else {
		deps.Transcriber = stage
		logger.Info().Str("provider", cfg.Speech.Provider).Bool("incremental", stage.Incremental()).Msg("speech stage ready")
	}

	if cfg.Emotion.AudioURL != "" {
		deps.AudioEmotion = emotionservice.NewAudioClient(cfg.Emotion.AudioURL, cfg.Emotion.AudioTimeout)
	}

	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	hub := gateway.NewHub()
	gw := gateway.New(verifier, deps, gateway.Config{
		OutboundQueue:     cfg.Session.OutboundQueue,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Session.HeartbeatTimeout,
		WriteTimeout:      cfg.Session.WriteTimeout,
		MaxAudioBytes:     cfg.Session.MaxAudioBytes,
		SpeakingHold:      cfg.Session.SpeakingHold,
		Care: emotion.CareConfig{
			TTL:      cfg.Emotion.CareTTL,
			Cooldown: cfg.Emotion.CareCooldown,
		},
	}, hub, logging.Component(logger, "gateway"))

	router := handler.NewRouter(handler.Routes{
		Gateway: gw,
		Chats:   chatHandler.New(store, verifier, logging.Component(logger, "http")),
		Tools:   toolsHandler.New(registry),
		Logger:  logging.Component(logger, "http"),
	})

	startServer(ctx, cfg.Server, router, hub, logger)
}

// buildOrchestrator 组装情绪、意图、工具与生成。
func buildOrchestrator(ctx context.Context, cfg *config.Config, registry *tools.Registry, store chat.Store, logger zerolog.Logger) (*orchestrator.Orchestrator, func(), error) {
	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return nil, nil, err
	}

	generator, err := ai.NewGenerator(ctx, chatModel, ai.Config{
		Timeout:      cfg.AI.GenerateTimeout,
		HistoryLimit: cfg.AI.HistoryLimit,
	}, logging.Component(logger, "ai"))
	if err != nil {
		return nil, nil, err
	}

	emotionSvc, err := emotionservice.NewService(ctx, chatModel, emotionservice.Config{
		Enabled:      cfg.Emotion.LLMEnabled,
		HistoryLimit: cfg.Emotion.HistoryLimit,
		Timeout:      cfg.Emotion.Timeout,
	}, logging.Component(logger, "emotion"))
	if err != nil {
		return nil, nil, err
	}
	if emotionSvc.Enabled() {
		logger.Info().Msg("emotion classifier enabled")
	} else {
		logger.Info().Msg("emotion classifier disabled, using keyword heuristics")
	}

	cleanup := func() {}
	var cache intent.Cache = intent.NoopCache{}
	if cfg.Intent.RedisURL != "" {
		rc, err := intent.NewRedisCacheFromURL(ctx, cfg.Intent.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, intent cache disabled")
		} else {
			cache = rc
			cleanup = func() { rc.Close() }
		}
	}

	classifier := intent.NewClassifier(chatModel, registry, cache, intent.Config{
		Timeout:      cfg.Intent.Timeout,
		CacheTTL:     cfg.Intent.CacheTTL,
		HistoryLimit: cfg.AI.HistoryLimit,
	}, logging.Component(logger, "intent"))

	orch := orchestrator.New(orchestrator.Deps{
		Emotion: emotionSvc,
		Fuser: emotion.NewFuser(emotion.FuserConfig{
			AudioAcceptThreshold: cfg.Emotion.AudioAcceptThreshold,
			CareThreshold:        cfg.Emotion.CareThreshold,
			TextWeight:           cfg.Emotion.TextWeight,
			AudioWeight:          cfg.Emotion.AudioWeight,
		}),
		Classifier: classifier,
		Tools:      registry,
		Generator:  generator,
		Store:      store,
	}, orchestrator.Config{HistoryLimit: cfg.AI.HistoryLimit}, logging.Component(logger, "orchestrator"))

	return orch, cleanup, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, hub *gateway.Hub, logger zerolog.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// 被劫持的 WebSocket 连接不受 Shutdown 管理，需要单独关闭
	srv.RegisterOnShutdown(hub.CloseAll)

	logger.Info().Str("addr", serverCfg.Addr).Msg("voicechat backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
