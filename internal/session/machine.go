package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
	"github.com/bloomware/voicechat/backend/internal/model/speech"
	"github.com/bloomware/voicechat/backend/internal/protocol"
	"github.com/bloomware/voicechat/backend/internal/service/orchestrator"
)

// Phase 会话所处阶段
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRecording    Phase = "recording"
	PhaseThinking     Phase = "thinking"
	PhaseSpeaking     Phase = "speaking"
	PhaseDisconnected Phase = "disconnected"
)

const (
	defaultSampleRate    = 16000
	defaultMaxAudioBytes = defaultSampleRate * 2 * 120
	defaultSpeakingHold  = 3 * time.Second
	defaultChunkQueue    = 64
)

// 下发给用户的固定错误文案
const (
	msgBusy            = "上一轮还在处理中，请稍候"
	msgNotRecording    = "目前没有在录音"
	msgInvalidMode     = "不支持的录音模式"
	msgNoAudio         = "没有收到音频"
	msgInvalidAudio    = "音频格式错误"
	msgAudioTooLong    = "录音过长"
	msgAudioBacklog    = "音频处理跟不上，请重新录音"
	msgEmptyMessage    = "消息不能为空"
	msgEmptyChat       = "chat_id 不能为空"
	msgSTTUnavailable  = "语音识别暂不可用"
	msgSTTFailed       = "语音识别失败，请再说一次"
	msgChatFailed      = "无法建立对话"
	msgReplyFailed     = "暂时无法回复，请稍后再试"
	msgIdentityMissing = "声纹服务不可用"
	msgIdentityFailed  = "声纹验证失败"
)

// Transcriber 转写阶段，见 service/speech.Stage。
type Transcriber interface {
	Incremental() bool
	Transcribe(ctx context.Context, audio <-chan []byte, opts speech.Options) <-chan speech.TranscriptEvent
}

type AudioEstimator interface {
	EstimateAudio(ctx context.Context, pcm []byte, sampleRate int) (emotion.Estimate, error)
}

type TurnRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (chat.Turn, error)
}

// IdentityRequest voice_login / binding 录音交给声纹服务。
type IdentityRequest struct {
	Mode       protocol.AudioMode
	SessionID  string
	UserID     string
	PCM        []byte
	SampleRate int
}

// IdentityMatcher 返回给用户的提示文字。
type IdentityMatcher interface {
	Match(ctx context.Context, req IdentityRequest) (string, error)
}

type ChatCreator interface {
	CreateChat(ctx context.Context, userID string) (chat.Chat, error)
}

// Outbound 下行事件出口，实现方不得阻塞。
type Outbound interface {
	Emit(event protocol.Event)
}

type Deps struct {
	Transcriber  Transcriber
	AudioEmotion AudioEstimator
	Turns        TurnRunner
	Identity     IdentityMatcher
	Chats        ChatCreator
}

type Config struct {
	SessionID     string
	UserID        string
	UserName      string
	ChatID        string
	MaxAudioBytes int
	SpeakingHold  time.Duration
	ChunkQueue    int
	Care          emotion.CareConfig

	// OnPhase 每次阶段变化时调用，在运行循环内执行。
	OnPhase func(Phase)
	// OnChat active chat 变化时调用。
	OnChat func(chatID string)
}

type turnHandle struct {
	id         string
	mode       protocol.AudioMode
	sampleRate int
	language   string
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc

	audio chan []byte
	pcm   chan []byte
}

// turnInput 启动时拍下的会话状态，轮次 goroutine 只读。
type turnInput struct {
	chatID string
	env    string
}

type resultKind int

const (
	resultTranscript resultKind = iota
	resultChatReady
	resultTurnDone
	resultFailed
	resultIdentity
)

type turnResult struct {
	turnID     string
	kind       resultKind
	transcript speech.TranscriptEvent
	chatID     string
	turn       chat.Turn
	message    string
	err        error
}

// Machine 单个连接的会话状态机。除 Run 之外的方法都只在运行循环里调用，
// 轮次工作在子 goroutine 中执行并通过 results 回报。
type Machine struct {
	cfg      Config
	deps     Deps
	out      Outbound
	logger   zerolog.Logger
	phase    Phase
	chatID   string
	buffer   *AudioBuffer
	env      *EnvTracker
	care     *emotion.CareTracker
	pending  *turnHandle
	results  chan turnResult
	hold     *time.Timer
	holdTime time.Duration
	queue    int
}

func NewMachine(cfg Config, deps Deps, out Outbound, logger zerolog.Logger) *Machine {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = defaultMaxAudioBytes
	}
	holdTime := cfg.SpeakingHold
	if holdTime <= 0 {
		holdTime = defaultSpeakingHold
	}
	queue := cfg.ChunkQueue
	if queue <= 0 {
		queue = defaultChunkQueue
	}
	return &Machine{
		cfg:      cfg,
		deps:     deps,
		out:      out,
		logger:   logger.With().Str("session_id", cfg.SessionID).Str("user_id", cfg.UserID).Logger(),
		phase:    PhaseIdle,
		chatID:   cfg.ChatID,
		buffer:   NewAudioBuffer(cfg.MaxAudioBytes),
		env:      NewEnvTracker(),
		care:     emotion.NewCareTracker(cfg.Care),
		results:  make(chan turnResult, 16),
		holdTime: holdTime,
		queue:    queue,
	}
}

func (m *Machine) SessionID() string {
	return m.cfg.SessionID
}

// Run 处理上行帧直到 frames 关闭或 ctx 结束，退出前进入 disconnected
// 并取消进行中的轮次。
func (m *Machine) Run(ctx context.Context, frames <-chan protocol.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("session loop panic")
			err = fmt.Errorf("session panic: %v", r)
		}
		m.disconnect()
	}()

	for {
		var holdC <-chan time.Time
		if m.hold != nil {
			holdC = m.hold.C
		}

		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			m.handleFrame(ctx, f)
		case res := <-m.results:
			m.handleResult(res)
		case <-holdC:
			m.hold = nil
			if m.phase == PhaseSpeaking {
				m.setPhase(PhaseIdle)
			}
		}
	}
}

func (m *Machine) handleFrame(ctx context.Context, f protocol.Frame) {
	switch p := f.Payload.(type) {
	case *protocol.AudioStart:
		m.onAudioStart(ctx, p)
	case *protocol.AudioChunk:
		m.onAudioChunk(p)
	case *protocol.AudioStop:
		m.onAudioStop()
	case *protocol.UserMessage:
		m.onUserMessage(ctx, p)
	case *protocol.ChatFocus:
		m.onChatFocus(p)
	case *protocol.EnvSnapshot:
		if m.env.Update(p) {
			m.logger.Debug().Str("tz", p.TZ).Msg("env snapshot accepted")
		}
	default:
		m.logger.Warn().Str("type", string(f.Type)).Msg("unhandled frame")
	}
}

func (m *Machine) busy() bool {
	return m.phase == PhaseRecording || m.phase == PhaseThinking
}

func (m *Machine) onAudioStart(ctx context.Context, p *protocol.AudioStart) {
	if m.busy() {
		m.reject(msgBusy)
		return
	}
	if !p.Mode.Valid() {
		m.reject(msgInvalidMode)
		return
	}
	if p.Mode == protocol.AudioModeRealtimeChat && (m.deps.Transcriber == nil || m.deps.Turns == nil) {
		m.reject(msgSTTUnavailable)
		return
	}

	h := m.startTurn(ctx, p.Mode)
	h.sampleRate = p.SampleRate
	if h.sampleRate <= 0 {
		h.sampleRate = defaultSampleRate
	}
	h.language = p.Language
	m.buffer.Reset()

	if p.Mode == protocol.AudioModeRealtimeChat {
		// 增量模式下立即打开流式识别
		h.audio = make(chan []byte, m.queue)
		h.pcm = make(chan []byte, 1)
		go m.runAudioTurn(h, m.snapshot())
	}
	m.setPhase(PhaseRecording)
}

func (m *Machine) onAudioChunk(p *protocol.AudioChunk) {
	if m.phase != PhaseRecording {
		m.reject(msgNotRecording)
		return
	}

	chunk, err := m.buffer.AppendBase64(p.PCM16Base64)
	if err != nil {
		m.logger.Warn().Err(err).Int("buffered", m.buffer.Len()).Msg("audio chunk rejected")
		if errors.Is(err, ErrAudioOverflow) {
			m.failTurn(msgAudioTooLong)
		} else {
			m.failTurn(msgInvalidAudio)
		}
		return
	}

	if h := m.pending; h.audio != nil && m.deps.Transcriber.Incremental() && len(chunk) > 0 {
		select {
		case h.audio <- chunk:
		default:
			m.failTurn(msgAudioBacklog)
		}
	}
}

func (m *Machine) onAudioStop() {
	if m.phase != PhaseRecording {
		m.reject(msgNotRecording)
		return
	}

	h := m.pending
	if m.buffer.Len() == 0 {
		m.failTurn(msgNoAudio)
		return
	}
	pcm := m.buffer.Bytes()
	m.buffer.Reset()

	m.setPhase(PhaseThinking)
	m.out.Emit(protocol.Thinking())

	m.logger.Info().
		Str("turn_id", h.id).
		Str("mode", string(h.mode)).
		Int("bytes", len(pcm)).
		Msg("recording stopped")

	if h.mode != protocol.AudioModeRealtimeChat {
		go m.runIdentity(h, pcm)
		return
	}

	h.pcm <- pcm
	if !m.deps.Transcriber.Incremental() {
		h.audio <- pcm
	}
	close(h.audio)
}

func (m *Machine) onUserMessage(ctx context.Context, p *protocol.UserMessage) {
	if m.busy() {
		m.reject(msgBusy)
		return
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		m.reject(msgEmptyMessage)
		return
	}
	if m.deps.Turns == nil {
		m.reject(msgReplyFailed)
		return
	}
	if p.ChatID != "" && p.ChatID != m.chatID {
		m.setChat(p.ChatID)
	}

	h := m.startTurn(ctx, protocol.AudioModeNone)
	m.setPhase(PhaseThinking)
	m.out.Emit(protocol.Thinking())
	go m.runTextTurn(h, m.snapshot(), text)
}

func (m *Machine) onChatFocus(p *protocol.ChatFocus) {
	if strings.TrimSpace(p.ChatID) == "" {
		m.reject(msgEmptyChat)
		return
	}
	m.setChat(p.ChatID)
	m.out.Emit(protocol.ChatReady(p.ChatID))
}

func (m *Machine) handleResult(res turnResult) {
	h := m.pending
	if h == nil || h.id != res.turnID || !m.busy() {
		m.logger.Debug().Str("turn_id", res.turnID).Msg("stale turn result dropped")
		return
	}

	switch res.kind {
	case resultTranscript:
		switch res.transcript.Kind {
		case speech.KindPartial:
			m.out.Emit(protocol.STTPartial(res.transcript.Text))
		case speech.KindDelta:
			m.out.Emit(protocol.STTDelta(res.transcript.Text))
		case speech.KindFinal:
			m.out.Emit(protocol.STTFinal(res.transcript.Text))
		}

	case resultChatReady:
		m.setChat(res.chatID)
		m.out.Emit(protocol.ChatReady(res.chatID))

	case resultIdentity:
		m.out.Emit(protocol.System(res.message, ""))
		h.cancel()
		m.setPhase(PhaseIdle)

	case resultFailed:
		m.logger.Warn().Err(res.err).Str("turn_id", h.id).Msg("turn failed")
		m.failTurn(res.message)

	case resultTurnDone:
		t := res.turn
		m.out.Emit(protocol.EmotionDetected(string(t.Emotion.Label), t.Emotion.CareMode))

		var toolName string
		var toolData any
		if t.ToolInvocation.Succeeded() {
			toolName = t.ToolInvocation.ToolName
			if t.ToolInvocation.Data != nil {
				toolData = t.ToolInvocation.Data
			}
		}
		m.out.Emit(protocol.BotMessage(t.ResponseText, toolName, toolData, t.Emotion.CareMode))

		h.cancel()
		m.setPhase(PhaseSpeaking)
		m.hold = time.NewTimer(m.holdTime)
	}
}

// startTurn 取消上一轮（speaking 阶段留下的）并登记新一轮。
func (m *Machine) startTurn(ctx context.Context, mode protocol.AudioMode) *turnHandle {
	m.stopHold()
	if m.pending != nil {
		m.pending.cancel()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	h := &turnHandle{
		id:        uuid.NewString(),
		mode:      mode,
		startedAt: time.Now().UTC(),
		ctx:       turnCtx,
		cancel:    cancel,
	}
	m.pending = h
	return h
}

func (m *Machine) failTurn(message string) {
	m.out.Emit(protocol.Error(message))
	if m.pending != nil {
		m.pending.cancel()
	}
	m.buffer.Reset()
	m.setPhase(PhaseIdle)
}

func (m *Machine) reject(message string) {
	m.logger.Debug().Str("phase", string(m.phase)).Str("reason", message).Msg("frame rejected")
	m.out.Emit(protocol.Error(message))
}

func (m *Machine) setPhase(next Phase) {
	if m.phase == next {
		return
	}
	m.logger.Debug().Str("from", string(m.phase)).Str("to", string(next)).Msg("phase changed")
	m.phase = next
	if next == PhaseIdle || next == PhaseDisconnected {
		m.pending = nil
	}
	if m.cfg.OnPhase != nil {
		m.cfg.OnPhase(next)
	}
}

func (m *Machine) setChat(chatID string) {
	m.chatID = chatID
	if m.cfg.OnChat != nil {
		m.cfg.OnChat(chatID)
	}
}

func (m *Machine) stopHold() {
	if m.hold != nil {
		m.hold.Stop()
		m.hold = nil
	}
}

func (m *Machine) disconnect() {
	if m.phase == PhaseDisconnected {
		return
	}
	if m.pending != nil {
		m.pending.cancel()
	}
	m.stopHold()
	m.buffer.Reset()
	m.setPhase(PhaseDisconnected)
	m.logger.Info().Msg("session closed")
}

func (m *Machine) snapshot() turnInput {
	return turnInput{chatID: m.chatID, env: m.env.Current().Describe()}
}

// report 轮次被取消后直接丢弃结果。
func (m *Machine) report(h *turnHandle, res turnResult) bool {
	res.turnID = h.id
	select {
	case m.results <- res:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (m *Machine) recoverTurn(h *turnHandle) {
	if r := recover(); r != nil {
		m.logger.Error().Interface("panic", r).Str("turn_id", h.id).Msg("turn panic")
		m.report(h, turnResult{kind: resultFailed, message: msgReplyFailed, err: fmt.Errorf("turn panic: %v", r)})
	}
}

func (m *Machine) runTextTurn(h *turnHandle, in turnInput, text string) {
	defer m.recoverTurn(h)
	m.respond(h, in, text, chat.SourceText, nil)
}

// runAudioTurn 转写与语音情绪并行，拿到 final 后进入编排。
func (m *Machine) runAudioTurn(h *turnHandle, in turnInput) {
	defer m.recoverTurn(h)

	events := m.deps.Transcriber.Transcribe(h.ctx, h.audio, speech.Options{
		SessionID:  m.cfg.SessionID,
		TurnID:     h.id,
		SampleRate: h.sampleRate,
		Language:   h.language,
	})

	audioEst := make(chan *emotion.Estimate, 1)
	pcmCh := h.pcm
	startEstimate := func(pcm []byte) {
		pcmCh = nil
		go m.estimateAudio(h, pcm, audioEst)
	}

	var final string
	for events != nil {
		select {
		case pcm := <-pcmCh:
			startEstimate(pcm)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Err != nil {
				m.report(h, turnResult{kind: resultFailed, message: msgSTTFailed, err: ev.Err})
				return
			}
			if !m.report(h, turnResult{kind: resultTranscript, transcript: ev}) {
				return
			}
			if ev.Kind == speech.KindFinal {
				final = ev.Text
				events = nil
			}
		case <-h.ctx.Done():
			return
		}
	}
	if final == "" {
		m.report(h, turnResult{kind: resultFailed, message: msgSTTFailed, err: fmt.Errorf("transcription ended without text")})
		return
	}

	if pcmCh != nil {
		select {
		case pcm := <-pcmCh:
			startEstimate(pcm)
		default:
		}
	}

	var audio *emotion.Estimate
	if pcmCh == nil {
		select {
		case audio = <-audioEst:
		case <-h.ctx.Done():
			return
		}
	}
	m.respond(h, in, final, chat.SourceAudio, audio)
}

func (m *Machine) estimateAudio(h *turnHandle, pcm []byte, out chan<- *emotion.Estimate) {
	if m.deps.AudioEmotion == nil {
		out <- nil
		return
	}
	est, err := m.deps.AudioEmotion.EstimateAudio(h.ctx, pcm, h.sampleRate)
	if err != nil {
		m.logger.Debug().Err(err).Str("turn_id", h.id).Msg("audio emotion skipped")
		out <- nil
		return
	}
	out <- &est
}

func (m *Machine) respond(h *turnHandle, in turnInput, text string, source chat.InputSource, audio *emotion.Estimate) {
	chatID := in.chatID
	if chatID == "" && m.deps.Chats != nil {
		c, err := m.deps.Chats.CreateChat(h.ctx, m.cfg.UserID)
		if err != nil {
			m.report(h, turnResult{kind: resultFailed, message: msgChatFailed, err: err})
			return
		}
		chatID = c.ID
		if !m.report(h, turnResult{kind: resultChatReady, chatID: chatID}) {
			return
		}
	}

	turn, err := m.deps.Turns.Run(h.ctx, orchestrator.Request{
		TurnID:    h.id,
		SessionID: m.cfg.SessionID,
		ChatID:    chatID,
		UserID:    m.cfg.UserID,
		UserName:  m.cfg.UserName,
		Input:     text,
		Source:    source,
		Audio:     audio,
		Env:       in.env,
		Care:      m.care,
		StartedAt: h.startedAt,
	})
	if err != nil {
		m.report(h, turnResult{kind: resultFailed, message: msgReplyFailed, err: err})
		return
	}
	m.report(h, turnResult{kind: resultTurnDone, turn: turn})
}

func (m *Machine) runIdentity(h *turnHandle, pcm []byte) {
	defer m.recoverTurn(h)

	if m.deps.Identity == nil {
		m.report(h, turnResult{kind: resultFailed, message: msgIdentityMissing})
		return
	}
	message, err := m.deps.Identity.Match(h.ctx, IdentityRequest{
		Mode:       h.mode,
		SessionID:  m.cfg.SessionID,
		UserID:     m.cfg.UserID,
		PCM:        pcm,
		SampleRate: h.sampleRate,
	})
	if err != nil {
		m.report(h, turnResult{kind: resultFailed, message: msgIdentityFailed, err: err})
		return
	}
	m.report(h, turnResult{kind: resultIdentity, message: message})
}
