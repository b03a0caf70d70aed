package speech

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/config"
	"github.com/bloomware/voicechat/backend/internal/model/speech"
)

const (
	ProviderVolcengine = "volcengine"
	ProviderWhisper    = "whisper"
)

// NewStageFromConfig 按配置选择识别服务并构建转写阶段。
func NewStageFromConfig(cfg config.SpeechConfig, logger zerolog.Logger) (*Stage, error) {
	stageCfg := StageConfig{
		Incremental: cfg.Incremental,
		Timeout:     cfg.Timeout,
		Retries:     cfg.Retries,
		Logger:      logger,
	}

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderVolcengine:
		if !cfg.VolcengineEnabled() {
			return nil, fmt.Errorf("火山引擎语音配置缺少 SPEECH_APP_ID 或 SPEECH_ACCESS_TOKEN")
		}
		asr := NewVolcengineASR(&speech.SpeechConfig{
			AppID:          cfg.AppID,
			AccessToken:    cfg.AccessToken,
			ConcurrentMode: cfg.ConcurrentMode,
			ASRModel:       cfg.ASRModel,
			ASRLanguage:    cfg.Language,
		}, logger.With().Str("provider", ProviderVolcengine).Logger())
		stageCfg.Batch = asr
		stageCfg.Streaming = asr

	case ProviderWhisper:
		if !cfg.OpenAIEnabled() {
			return nil, fmt.Errorf("OpenAI 语音配置缺少 OPENAI_API_KEY")
		}
		stageCfg.Batch = NewWhisperTranscriber(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		stageCfg.Streaming = NewRealtimeTranscriber(
			cfg.OpenAIAPIKey,
			cfg.OpenAIRealtimeURL,
			cfg.OpenAIRealtimeModel,
			logger.With().Str("provider", "openai_realtime").Logger(),
		)

	default:
		return nil, fmt.Errorf("unsupported speech provider: %q", cfg.Provider)
	}

	return NewStage(stageCfg), nil
}
