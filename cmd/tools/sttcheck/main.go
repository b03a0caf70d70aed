package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bloomware/voicechat/backend/internal/audio"
	"github.com/bloomware/voicechat/backend/internal/config"
	"github.com/bloomware/voicechat/backend/internal/logging"
	speechmodel "github.com/bloomware/voicechat/backend/internal/model/speech"
	"github.com/bloomware/voicechat/backend/internal/service/speech"
)

const wavHeaderBytes = 44

func main() {
	audioPath := flag.String("audio", "", "输入音频：16bit 单声道 pcm 或 wav")
	rate := flag.Int("rate", 16000, "采样率")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	provider := flag.String("provider", "", "覆盖 STT_PROVIDER：volcengine 或 whisper")
	incremental := flag.Bool("incremental", false, "使用流式识别")
	chunk := flag.Duration("chunk", 200*time.Millisecond, "每包音频时长，按实时速度发送")
	timeout := flag.Duration("timeout", 45*time.Second, "整体超时")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] 无法加载 .env，改用系统环境变量: %v\n", err)
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(config.LogConfig{Level: level, Format: "console"})
	log.Logger = logger

	if *audioPath == "" {
		flag.Usage()
		logger.Fatal().Msg("请通过 -audio 指定音频文件")
	}

	cfg, err := config.LoadSpeech()
	if err != nil {
		logger.Fatal().Err(err).Msg("语音配置加载失败")
	}
	if *provider != "" {
		cfg.Provider = *provider
	}
	cfg.Incremental = *incremental

	pcm, err := readPCM(*audioPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("读取音频失败")
	}

	stage, err := speech.NewStageFromConfig(cfg, logging.Component(logger, "speech"))
	if err != nil {
		logger.Fatal().Err(err).Msg("转写阶段初始化失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := speechmodel.Options{
		SessionID:  "sttcheck",
		TurnID:     uuid.NewString(),
		SampleRate: *rate,
		Language:   *language,
	}

	logger.Info().
		Str("provider", cfg.Provider).
		Bool("incremental", stage.Incremental()).
		Dur("audio", audio.Duration(pcm, *rate)).
		Msg("开始转写")

	chunks := make(chan []byte)
	go feed(ctx, chunks, pcm, *rate, *chunk)

	started := time.Now()
	for ev := range stage.Transcribe(ctx, chunks, opts) {
		printEvent(logger, ev, time.Since(started))
	}
}

// feed 按实时速度切包发送，模拟麦克风输入。
func feed(ctx context.Context, out chan<- []byte, pcm []byte, rate int, every time.Duration) {
	defer close(out)

	size := int(every.Seconds() * float64(rate) * 2)
	size -= size % 2
	if size <= 0 {
		size = len(pcm)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for i := 0; i < len(pcm); i += size {
		end := min(i+size, len(pcm))
		select {
		case out <- pcm[i:end]:
		case <-ctx.Done():
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func printEvent(logger zerolog.Logger, ev speechmodel.TranscriptEvent, at time.Duration) {
	if ev.Err != nil {
		logger.Error().Err(ev.Err).Dur("at", at).Msg("转写失败")
		return
	}
	logger.Info().Str("kind", string(ev.Kind)).Str("text", ev.Text).Dur("at", at).Msg("transcript")
}

func readPCM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if len(data) < wavHeaderBytes {
			return nil, fmt.Errorf("wav file too short: %d bytes", len(data))
		}
		data = data[wavHeaderBytes:]
	}
	if len(data)%2 != 0 {
		return nil, audio.ErrOddPCM
	}
	return data, nil
}
