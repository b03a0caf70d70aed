package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/audio"
	"github.com/bloomware/voicechat/backend/internal/model/speech"
)

const (
	openAIRealtimeURL = "wss://api.openai.com/v1/realtime"
	realtimeRate      = 24000
)

// RealtimeTranscriber OpenAI Realtime 转写会话，关闭服务端 VAD，由客户端 commit。
type RealtimeTranscriber struct {
	apiKey   string
	endpoint string
	model    string
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

func NewRealtimeTranscriber(apiKey, endpoint, model string, logger zerolog.Logger) *RealtimeTranscriber {
	if endpoint == "" {
		endpoint = openAIRealtimeURL
	}
	if model == "" {
		model = "gpt-4o-transcribe"
	}
	return &RealtimeTranscriber{
		apiKey:   apiKey,
		endpoint: endpoint,
		model:    model,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
	}
}

type realtimeEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (t *RealtimeTranscriber) Open(ctx context.Context, opts speech.Options) (Stream, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("intent", "transcription")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, dialError("Realtime API", resp, err)
	}

	s := &realtimeStream{
		conn:       conn,
		sourceRate: opts.Rate(),
		events:     make(chan speech.TranscriptEvent, 32),
		done:       make(chan struct{}),
		logger:     t.logger.With().Str("turn_id", opts.TurnID).Logger(),
	}

	transcription := map[string]any{"model": t.model}
	if lang := whisperLanguage(opts.Language); lang != "" {
		transcription["language"] = lang
	}
	update := map[string]any{
		"type": "transcription_session.update",
		"session": map[string]any{
			"input_audio_format":        "pcm16",
			"input_audio_transcription": transcription,
			"turn_detection":            nil,
		},
	}
	if err := s.send(update); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure transcription session: %w", err)
	}

	go s.receive()
	return s, nil
}

type realtimeStream struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	sourceRate int
	events     chan speech.TranscriptEvent
	done       chan struct{}
	closeOnce  sync.Once
	logger     zerolog.Logger
}

func (s *realtimeStream) send(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *realtimeStream) Send(pcm []byte) error {
	pcm = audio.ResamplePCM16(pcm, s.sourceRate, realtimeRate)
	return s.send(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *realtimeStream) Commit() error {
	return s.send(map[string]string{"type": "input_audio_buffer.commit"})
}

func (s *realtimeStream) Events() <-chan speech.TranscriptEvent {
	return s.events
}

func (s *realtimeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *realtimeStream) emit(ev speech.TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *realtimeStream) receive() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(speech.TranscriptEvent{Err: fmt.Errorf("realtime read failed: %w", err)})
			}
			return
		}

		var ev realtimeEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse realtime event")
			continue
		}

		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			if ev.Delta != "" && !s.emit(speech.TranscriptEvent{Kind: speech.KindDelta, Text: ev.Delta}) {
				return
			}
		case "conversation.item.input_audio_transcription.completed":
			s.emit(speech.TranscriptEvent{Kind: speech.KindFinal, Text: ev.Transcript})
			return
		case "conversation.item.input_audio_transcription.failed", "error":
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			s.emit(speech.TranscriptEvent{Err: fmt.Errorf("realtime error: %s", msg)})
			return
		default:
			s.logger.Debug().Str("type", ev.Type).Msg("realtime event ignored")
		}
	}
}
