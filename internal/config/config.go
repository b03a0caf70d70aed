package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Auth    AuthConfig
	AI      AIConfig
	Emotion EmotionConfig
	Speech  SpeechConfig
	Intent  IntentConfig
	Tools   ToolsConfig
	Store   StoreConfig
	Session SessionConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	emotion, err := loadEmotionConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	intent, err := loadIntentConfig()
	if err != nil {
		return nil, err
	}

	tools, err := loadToolsConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Log:     loadLogConfig(),
		Auth:    auth,
		AI:      ai,
		Emotion: emotion,
		Speech:  speech,
		Intent:  intent,
		Tools:   tools,
		Store:   loadStoreConfig(),
		Session: session,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "console")),
	}
}

// AuthConfig 连接令牌校验配置。
type AuthConfig struct {
	Secret   string
	Issuer   string
	Leeway   time.Duration
}

func loadAuthConfig() (AuthConfig, error) {
	secret := strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET"))
	if secret == "" {
		return AuthConfig{}, fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	leeway, err := parseDurationEnv("AUTH_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{
		Secret: secret,
		Issuer: strings.TrimSpace(os.Getenv("AUTH_JWT_ISSUER")),
		Leeway: leeway,
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey          string
	AccessKey       string
	SecretKey       string
	Model           string
	BaseURL         string
	Region          string
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	GenerateTimeout time.Duration
	HistoryLimit    int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDurationEnv("GENERATE_TIMEOUT", 20*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	history := 10
	if override, err := parseOptionalIntEnv("HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		history = max(*override, 0)
	}

	return AIConfig{
		APIKey:          strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:       strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:       strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:           strings.TrimSpace(os.Getenv("Model")),
		BaseURL:         getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:          getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:     temperature,
		TopP:            topP,
		MaxTokens:       maxTokens,
		GenerateTimeout: timeout,
		HistoryLimit:    history,
	}, nil
}

// EmotionConfig 情绪融合与关怀模式参数。
type EmotionConfig struct {
	LLMEnabled           bool
	HistoryLimit         int
	Timeout              time.Duration
	AudioURL             string
	AudioTimeout         time.Duration
	AudioAcceptThreshold float64
	CareThreshold        float64
	TextWeight           float64
	AudioWeight          float64
	CareTTL              time.Duration
	CareCooldown         time.Duration
}

func loadEmotionConfig() (EmotionConfig, error) {
	llm, err := parseBoolEnv("AI_EMOTION_LLM_ENABLED", false)
	if err != nil {
		return EmotionConfig{}, err
	}

	history := 6
	if override, err := parseOptionalIntEnv("AI_EMOTION_HISTORY_LIMIT"); err != nil {
		return EmotionConfig{}, err
	} else if override != nil {
		history = max(*override, 1)
	}

	cfg := EmotionConfig{
		LLMEnabled:   llm,
		HistoryLimit: history,
		AudioURL:     strings.TrimSpace(os.Getenv("EMOTION_AUDIO_URL")),
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"EMOTION_TIMEOUT", 5 * time.Second, &cfg.Timeout},
		{"EMOTION_AUDIO_TIMEOUT", 8 * time.Second, &cfg.AudioTimeout},
		{"CARE_TTL", 8 * time.Minute, &cfg.CareTTL},
		{"CARE_COOLDOWN", 2 * time.Minute, &cfg.CareCooldown},
	}
	for _, d := range durations {
		val, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return EmotionConfig{}, err
		}
		*d.dst = val
	}

	ratios := []struct {
		key string
		def float64
		dst *float64
	}{
		{"EMOTION_AUDIO_ACCEPT_THRESHOLD", 0.6, &cfg.AudioAcceptThreshold},
		{"EMOTION_CARE_THRESHOLD", 0.6, &cfg.CareThreshold},
		{"EMOTION_TEXT_WEIGHT", 0.4, &cfg.TextWeight},
		{"EMOTION_AUDIO_WEIGHT", 0.6, &cfg.AudioWeight},
	}
	for _, r := range ratios {
		val, err := parseOptionalFloatEnv(r.key)
		if err != nil {
			return EmotionConfig{}, err
		}
		*r.dst = r.def
		if val != nil {
			if *val < 0 || *val > 1 {
				return EmotionConfig{}, fmt.Errorf("invalid %s value %v: must be within [0,1]", r.key, *val)
			}
			*r.dst = *val
		}
	}

	return cfg, nil
}

// SpeechConfig 描述语音识别相关配置
type SpeechConfig struct {
	Provider       string
	Incremental    bool
	Timeout        time.Duration
	Retries        int
	Language       string
	AppID          string
	AccessToken    string
	ConcurrentMode bool
	ASRModel       string

	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string
}

// VolcengineEnabled 火山引擎凭证是否齐全。
func (c SpeechConfig) VolcengineEnabled() bool {
	return c.AppID != "" && c.AccessToken != ""
}

// OpenAIEnabled OpenAI 凭证是否齐全。
func (c SpeechConfig) OpenAIEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// LoadSpeech 只加载语音配置，供命令行工具使用。
func LoadSpeech() (SpeechConfig, error) {
	return loadSpeechConfig()
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseDurationEnv("TRANSCRIBE_TIMEOUT", 15*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	incremental, err := parseBoolEnv("STT_INCREMENTAL", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	retries, err := parseRetriesEnv("STT_RETRIES")
	if err != nil {
		return SpeechConfig{}, err
	}

	concurrent, err := parseBoolEnv("SPEECH_CONCURRENT_MODE", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	provider := strings.ToLower(getEnvOrDefault("STT_PROVIDER", "volcengine"))
	switch provider {
	case "volcengine", "whisper":
	default:
		return SpeechConfig{}, fmt.Errorf("invalid STT_PROVIDER value %q", provider)
	}

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		Provider:            provider,
		Incremental:         incremental,
		Timeout:             timeout,
		Retries:             retries,
		Language:            getEnvOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		AppID:               strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:         accessToken,
		ConcurrentMode:      concurrent,
		ASRModel:            getEnvOrDefault("SPEECH_ASR_MODEL", "bigmodel"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		OpenAIModel:         getEnvOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAIRealtimeURL:   getEnvOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime?intent=transcription"),
		OpenAIRealtimeModel: getEnvOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-mini-transcribe"),
	}, nil
}

// IntentConfig 意图分类配置。
type IntentConfig struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	RedisURL string
}

func loadIntentConfig() (IntentConfig, error) {
	timeout, err := parseDurationEnv("CLASSIFY_TIMEOUT", 5*time.Second)
	if err != nil {
		return IntentConfig{}, err
	}
	ttl, err := parseDurationEnv("INTENT_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return IntentConfig{}, err
	}
	return IntentConfig{
		Timeout:  timeout,
		CacheTTL: ttl,
		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),
	}, nil
}

// ToolsConfig 工具调用配置。
type ToolsConfig struct {
	Timeout        time.Duration
	Retries        int
	WeatherAPIKey  string
	WeatherBaseURL string
}

func loadToolsConfig() (ToolsConfig, error) {
	timeout, err := parseDurationEnv("TOOL_TIMEOUT", 8*time.Second)
	if err != nil {
		return ToolsConfig{}, err
	}
	retries, err := parseRetriesEnv("TOOL_RETRIES")
	if err != nil {
		return ToolsConfig{}, err
	}
	return ToolsConfig{
		Timeout:        timeout,
		Retries:        retries,
		WeatherAPIKey:  strings.TrimSpace(os.Getenv("WEATHER_API_KEY")),
		WeatherBaseURL: getEnvOrDefault("WEATHER_BASE_URL", "https://api.openweathermap.org/data/2.5/weather"),
	}, nil
}

// StoreConfig 对话存储配置，DatabaseURL 为空时使用内存存储。
type StoreConfig struct {
	DatabaseURL string
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// SessionConfig 单连接会话参数。
type SessionConfig struct {
	OutboundQueue     int
	MaxAudioBytes     int
	SpeakingHold      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	cfg := SessionConfig{
		OutboundQueue: 256,
		MaxAudioBytes: 16000 * 2 * 120,
	}

	if v, err := parseOptionalIntEnv("SESSION_OUTBOUND_QUEUE"); err != nil {
		return SessionConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.OutboundQueue = *v
	}

	if v, err := parseOptionalIntEnv("MAX_AUDIO_BYTES"); err != nil {
		return SessionConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.MaxAudioBytes = *v
	}

	var err error
	if cfg.SpeakingHold, err = parseDurationEnv("SESSION_SPEAKING_HOLD", 3*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.HeartbeatInterval, err = parseDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.HeartbeatTimeout, err = parseDurationEnv("HEARTBEAT_TIMEOUT", 10*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.WriteTimeout, err = parseDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return SessionConfig{}, err
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 支持 "15s" 这类写法，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseRetriesEnv 瞬时失败重试次数，默认 2，上限 5。
func parseRetriesEnv(key string) (int, error) {
	v, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 2, nil
	}
	if *v < 0 || *v > 5 {
		return 0, fmt.Errorf("invalid %s value %d: must be within [0,5]", key, *v)
	}
	return *v, nil
}
