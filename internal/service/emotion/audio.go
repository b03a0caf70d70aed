package emotion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	analysis "github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/audio"
)

// ErrAudioTooShort 不足 1 秒的音频不做语调分析。
var ErrAudioTooShort = errors.New("audio too short for emotion recognition")

// AudioClient 调用外部语音情绪识别服务（HuBERT 模型），上传 WAV 获取标签与置信度。
type AudioClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewAudioClient(endpoint string, timeout time.Duration) *AudioClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &AudioClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type audioResponse struct {
	Success    bool    `json:"success"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// EstimateAudio pcm 为 16bit 单声道。
func (c *AudioClient) EstimateAudio(ctx context.Context, pcm []byte, sampleRate int) (analysis.Estimate, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if len(pcm) < sampleRate*2 {
		return analysis.Estimate{}, ErrAudioTooShort
	}

	wav, err := audio.WrapWAV(pcm, sampleRate)
	if err != nil {
		return analysis.Estimate{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(wav))
	if err != nil {
		return analysis.Estimate{}, fmt.Errorf("build audio emotion request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return analysis.Estimate{}, fmt.Errorf("audio emotion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return analysis.Estimate{}, fmt.Errorf("read audio emotion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return analysis.Estimate{}, fmt.Errorf("audio emotion service returned %d: %s", resp.StatusCode, string(body))
	}

	var out audioResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return analysis.Estimate{}, fmt.Errorf("decode audio emotion response: %w", err)
	}
	if !out.Success {
		return analysis.Estimate{}, fmt.Errorf("audio emotion failed: %s", out.Error)
	}

	label, ok := analysis.ParseLabel(out.Emotion)
	if !ok {
		return analysis.Estimate{}, fmt.Errorf("unknown audio emotion label %q", out.Emotion)
	}
	return analysis.Estimate{Label: label, Confidence: out.Confidence, Source: analysis.SourceAudio}, nil
}
