package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// FrameType 客户端上行帧类型
type FrameType string

const (
	FrameAudioStart  FrameType = "audio_start"
	FrameAudioChunk  FrameType = "audio_chunk"
	FrameAudioStop   FrameType = "audio_stop"
	FrameUserMessage FrameType = "user_message"
	FrameChatFocus   FrameType = "chat_focus"
	FrameEnvSnapshot FrameType = "env_snapshot"
)

// AudioMode audio_start 携带的录音用途
type AudioMode string

const (
	AudioModeNone         AudioMode = "none"
	AudioModeVoiceLogin   AudioMode = "voice_login"
	AudioModeRealtimeChat AudioMode = "realtime_chat"
	AudioModeBinding      AudioMode = "binding"
)

// Valid 是否为可录音的模式。
func (m AudioMode) Valid() bool {
	switch m {
	case AudioModeVoiceLogin, AudioModeRealtimeChat, AudioModeBinding:
		return true
	default:
		return false
	}
}

type AudioStart struct {
	SampleRate int       `json:"sample_rate"`
	Mode       AudioMode `json:"mode"`
	Language   string    `json:"language,omitempty"`
}

type AudioChunk struct {
	PCM16Base64 string `json:"pcm16_base64"`
}

type AudioStop struct {
	Mode AudioMode `json:"mode,omitempty"`
}

type UserMessage struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

type ChatFocus struct {
	ChatID string `json:"chat_id"`
}

type EnvSnapshot struct {
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	AccuracyM  *float64 `json:"accuracy_m,omitempty"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	TZ         string   `json:"tz"`
	Locale     string   `json:"locale"`
	Device     string   `json:"device"`
	Error      string   `json:"error,omitempty"`
}

// Frame 解码后的上行帧，Payload 为上面某个具体类型的指针。
type Frame struct {
	Type    FrameType
	Payload any
}

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownFrame = errors.New("unknown frame type")
)

type frameHeader struct {
	Type FrameType `json:"type"`
}

// DecodeFrame 按 type 字段把 JSON 解成对应的帧结构。
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var header frameHeader
	if err := sonic.Unmarshal(data, &header); err != nil {
		return Frame{}, fmt.Errorf("decode frame header: %w", err)
	}

	var payload any
	switch header.Type {
	case FrameAudioStart:
		payload = &AudioStart{}
	case FrameAudioChunk:
		payload = &AudioChunk{}
	case FrameAudioStop:
		payload = &AudioStop{}
	case FrameUserMessage:
		payload = &UserMessage{}
	case FrameChatFocus:
		payload = &ChatFocus{}
	case FrameEnvSnapshot:
		payload = &EnvSnapshot{}
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrUnknownFrame)
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, header.Type)
	}

	if err := sonic.Unmarshal(data, payload); err != nil {
		return Frame{}, fmt.Errorf("decode %s frame: %w", header.Type, err)
	}
	return Frame{Type: header.Type, Payload: payload}, nil
}

// EncodeFrame 客户端侧编码，主要供测试与调试工具使用。
func EncodeFrame(frameType FrameType, payload any) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if err := sonic.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = frameType
	return sonic.Marshal(fields)
}
