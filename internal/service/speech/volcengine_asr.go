package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/model/speech"
)

const (
	volcAsyncURL    = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	volcNoStreamURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

	// 16kHz, 16bit, mono, 200ms
	volcPacketBytes = 6400
)

// VolcengineASR 火山引擎大模型语音识别，同时实现整段与流式两种模式。
type VolcengineASR struct {
	config *speech.SpeechConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

func NewVolcengineASR(config *speech.SpeechConfig, logger zerolog.Logger) *VolcengineASR {
	return &VolcengineASR{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// asrRequest 首包参数（按文档格式）
type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

type asrServerMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
}

func (m *asrServerMessage) text() string {
	if t := strings.TrimSpace(m.Result.Text); t != "" {
		return t
	}
	parts := make([]string, 0, len(m.Result.Utterances))
	for _, u := range m.Result.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Open 流式识别（bigmodel_async），中间结果为全量文本，作为 partial 事件。
func (c *VolcengineASR) Open(ctx context.Context, opts speech.Options) (Stream, error) {
	endpoint := c.config.Endpoint
	if endpoint == "" {
		endpoint = volcAsyncURL
	}
	return c.open(ctx, endpoint, opts)
}

// Transcribe 整段识别（bigmodel_nostream），只取最终结果。
func (c *VolcengineASR) Transcribe(ctx context.Context, pcm []byte, opts speech.Options) (string, error) {
	endpoint := c.config.Endpoint
	if endpoint == "" {
		endpoint = volcNoStreamURL
	}
	stream, err := c.open(ctx, endpoint, opts)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	for i := 0; i < len(pcm); i += volcPacketBytes {
		end := min(i+volcPacketBytes, len(pcm))
		if err := stream.Send(pcm[i:end]); err != nil {
			return "", err
		}
	}
	if err := stream.Commit(); err != nil {
		return "", err
	}

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return "", ErrStreamEnded
			}
			if ev.Err != nil {
				return "", ev.Err
			}
			if ev.Kind == speech.KindFinal {
				return ev.Text, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *VolcengineASR) open(ctx context.Context, endpoint string, opts speech.Options) (*volcStream, error) {
	connectID := uuid.NewString()
	header, err := c.authHeader(connectID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, dialError("ASR WebSocket", resp, err)
	}

	logger := c.logger.With().Str("turn_id", opts.TurnID).Str("connect_id", connectID).Logger()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			logger = logger.With().Str("logid", logid).Logger()
		}
	}

	payload, err := sonic.Marshal(c.buildRequest(opts))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to marshal ASR request: %w", err)
	}

	s := &volcStream{
		conn:     conn,
		events:   make(chan speech.TranscriptEvent, 16),
		done:     make(chan struct{}),
		sequence: 2, // 首包占用序号 1
		logger:   logger,
	}
	if err := s.write(fullClientRequest(payload)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send ASR request: %w", err)
	}

	go s.receive()
	return s, nil
}

func (c *VolcengineASR) buildRequest(opts speech.Options) *asrRequest {
	req := &asrRequest{}
	req.User.UID = opts.SessionID

	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = opts.Rate()
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Audio.Language = opts.Language
	if req.Audio.Language == "" {
		req.Audio.Language = c.config.ASRLanguage
	}

	req.Request.ModelName = c.config.ASRModel
	if req.Request.ModelName == "" {
		req.Request.ModelName = "bigmodel"
	}
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

type volcStream struct {
	conn      *websocket.Conn
	events    chan speech.TranscriptEvent
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	sequence  int32
	committed bool
	logger    zerolog.Logger
}

func (s *volcStream) write(f *frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *volcStream) Send(pcm []byte) error {
	if s.committed {
		return fmt.Errorf("stream already committed")
	}
	if err := s.write(audioRequest(pcm, s.sequence, false)); err != nil {
		return fmt.Errorf("failed to send audio chunk: %w", err)
	}
	s.sequence++
	return nil
}

// Commit 发送负序号的空包，通知服务端音频结束。
func (s *volcStream) Commit() error {
	if s.committed {
		return nil
	}
	s.committed = true
	if err := s.write(audioRequest(nil, s.sequence, true)); err != nil {
		return fmt.Errorf("failed to send last packet: %w", err)
	}
	return nil
}

func (s *volcStream) Events() <-chan speech.TranscriptEvent {
	return s.events
}

func (s *volcStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *volcStream) emit(ev speech.TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// receive 读取服务端结果直到最后一包或连接关闭。
func (s *volcStream) receive() {
	defer close(s.events)

	var lastText string
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(speech.TranscriptEvent{Err: fmt.Errorf("failed to read ASR response: %w", err)})
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			s.emit(speech.TranscriptEvent{Err: fmt.Errorf("failed to decode ASR message: %w", err)})
			return
		}

		switch f.Type {
		case msgServerError:
			s.emit(speech.TranscriptEvent{Err: fmt.Errorf("ASR error %d: %s", f.ErrorCode, string(f.Payload))})
			return

		case msgFullServerResponse:
			var msg asrServerMessage
			if err := sonic.Unmarshal(f.Payload, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("failed to unmarshal ASR response")
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				s.emit(speech.TranscriptEvent{Err: fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)})
				return
			}

			text := msg.text()
			if f.last() {
				s.emit(speech.TranscriptEvent{Kind: speech.KindFinal, Text: text})
				return
			}
			if text != "" && text != lastText {
				lastText = text
				if !s.emit(speech.TranscriptEvent{Kind: speech.KindPartial, Text: text}) {
					return
				}
			}

		default:
			// 其他类型（如音频ACK）直接忽略
		}
	}
}

// authHeader 鉴权头，资源 ID 随计费模式（小时版 / 并发版）变化。
// 凭证缺失属于配置错误，标记为 Permanent。
func (c *VolcengineASR) authHeader(connectID string) (http.Header, error) {
	if c.config == nil {
		return nil, Permanent(errors.New("火山引擎语音配置未初始化"))
	}
	appID := strings.TrimSpace(c.config.AppID)
	token := strings.TrimSpace(c.config.AccessToken)
	if appID == "" || token == "" {
		return nil, Permanent(errors.New("火山引擎语音配置缺少 AppID 或 AccessToken"))
	}

	resourceID := "volc.bigasr.sauc.duration"
	if c.config.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)
	return header, nil
}

// dialError 握手被 401/403 拒绝时标记为 Permanent，凭证错误重试无用
func dialError(target string, resp *http.Response, err error) error {
	err = fmt.Errorf("failed to connect to %s: %w", target, err)
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return Permanent(err)
	}
	return err
}
