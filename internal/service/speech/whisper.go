package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bloomware/voicechat/backend/internal/audio"
	"github.com/bloomware/voicechat/backend/internal/model/speech"
)

// WhisperTranscriber OpenAI 整段转写。
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

func NewWhisperTranscriber(apiKey, baseURL, model string) *WhisperTranscriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{client: openai.NewClientWithConfig(cfg), model: model}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte, opts speech.Options) (string, error) {
	wav, err := audio.WrapWAV(pcm, opts.Rate())
	if err != nil {
		return "", err
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: whisperLanguage(opts.Language),
	})
	if err != nil {
		err = fmt.Errorf("whisper transcription failed: %w", err)
		if clientFault(err) {
			return "", Permanent(err)
		}
		return "", err
	}
	return resp.Text, nil
}

// clientFault 4xx（429 除外）重试也不会成功
func clientFault(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// whisperLanguage zh-CN -> zh
func whisperLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}
