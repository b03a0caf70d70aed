package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/bloomware/voicechat/backend/internal/model/speech"
)

var (
	ErrNoAudio           = errors.New("no audio received")
	ErrEmptyTranscript   = errors.New("empty transcript")
	ErrStreamEnded       = errors.New("transcription stream ended without final")
	ErrNoTranscriber     = errors.New("no transcriber configured")
	ErrTranscribeTimeout = errors.New("transcription timed out")
)

// TranscriptionError 本轮转写失败，会话回到 idle。
type TranscriptionError struct {
	Op  string
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription %s: %v", e.Op, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记鉴权、参数类错误，阶段不会重试。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// BatchTranscriber 整段音频一次性识别。
type BatchTranscriber interface {
	Transcribe(ctx context.Context, pcm []byte, opts speech.Options) (string, error)
}

// StreamingTranscriber 边收边识别。
type StreamingTranscriber interface {
	Open(ctx context.Context, opts speech.Options) (Stream, error)
}

// Stream 一次流式识别会话。Events 在服务端结束或 Close 后关闭。
type Stream interface {
	Send(pcm []byte) error
	Commit() error
	Events() <-chan speech.TranscriptEvent
	Close() error
}

// StageConfig 转写阶段配置。
type StageConfig struct {
	Batch       BatchTranscriber
	Streaming   StreamingTranscriber
	Incremental bool
	Timeout     time.Duration
	// 瞬时失败的重试次数与首次退避，全部落在 Timeout 之内，0 表示不重试
	Retries   int
	RetryBase time.Duration
	Logger    zerolog.Logger
}

// Stage 保证每轮恰好一个终止事件（final 或错误），且 final 在所有中间结果之后。
type Stage struct {
	batch       BatchTranscriber
	streaming   StreamingTranscriber
	incremental bool
	timeout     time.Duration
	retries     int
	retryBase   time.Duration
	logger      zerolog.Logger
}

func NewStage(cfg StageConfig) *Stage {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return &Stage{
		batch:       cfg.Batch,
		streaming:   cfg.Streaming,
		incremental: cfg.Incremental,
		timeout:     timeout,
		retries:     retries,
		retryBase:   base,
		logger:      cfg.Logger,
	}
}

// backoff 指数退避加抖动，每次调用返回新的状态。
func (s *Stage) backoff() retry.Backoff {
	b := retry.NewExponential(s.retryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(uint64(s.retries), b)
	return retry.WithMaxDuration(s.timeout, b)
}

// retryable ctx 结束或错误被标记为 Permanent 时不再重试。
func (s *Stage) retryable(ctx context.Context, op, turnID string, err error) error {
	if ctx.Err() != nil || isPermanent(err) {
		return err
	}
	s.logger.Warn().Err(err).Str("turn_id", turnID).Str("op", op).Msg("transient transcription failure, retrying")
	return retry.RetryableError(err)
}

// Incremental 是否以流式方式转写。
func (s *Stage) Incremental() bool {
	return s.incremental && s.streaming != nil
}

// Transcribe audio 关闭表示用户停止说话。返回的 channel 在终止事件后关闭。
func (s *Stage) Transcribe(ctx context.Context, audio <-chan []byte, opts speech.Options) <-chan speech.TranscriptEvent {
	out := make(chan speech.TranscriptEvent, 32)
	go func() {
		defer close(out)
		em := &emitter{ctx: ctx, out: out}
		if s.Incremental() {
			s.runStreaming(ctx, audio, opts, em)
		} else {
			s.runBatch(ctx, audio, opts, em)
		}
	}()
	return out
}

type emitter struct {
	ctx  context.Context
	out  chan<- speech.TranscriptEvent
	done bool
}

func (e *emitter) send(ev speech.TranscriptEvent) {
	if e.done {
		return
	}
	if ev.Terminal() {
		e.done = true
	}
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
		e.done = true
	}
}

func (e *emitter) fail(op string, err error) {
	e.send(speech.TranscriptEvent{Kind: speech.KindFinal, Err: &TranscriptionError{Op: op, Err: err}})
}

func (e *emitter) final(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		e.fail("final", ErrEmptyTranscript)
		return
	}
	e.send(speech.TranscriptEvent{Kind: speech.KindFinal, Text: text})
}

func (s *Stage) runBatch(ctx context.Context, audio <-chan []byte, opts speech.Options, em *emitter) {
	if s.batch == nil {
		em.fail("open", ErrNoTranscriber)
		return
	}

	var pcm []byte
	for collecting := true; collecting; {
		select {
		case chunk, ok := <-audio:
			if !ok {
				collecting = false
				continue
			}
			pcm = append(pcm, chunk...)
		case <-ctx.Done():
			em.fail("collect", ctx.Err())
			return
		}
	}

	if len(pcm) == 0 {
		em.fail("collect", ErrNoAudio)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	text, err := retry.DoValue(callCtx, s.backoff(), func(ctx context.Context) (string, error) {
		text, err := s.batch.Transcribe(ctx, pcm, opts)
		if err != nil {
			return "", s.retryable(ctx, "transcribe", opts.TurnID, err)
		}
		return text, nil
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTranscribeTimeout, err)
		}
		em.fail("transcribe", err)
		return
	}

	s.logger.Debug().
		Str("turn_id", opts.TurnID).
		Int("bytes", len(pcm)).
		Dur("took", time.Since(started)).
		Msg("batch transcription done")
	em.final(text)
}

func (s *Stage) runStreaming(ctx context.Context, audio <-chan []byte, opts speech.Options, em *emitter) {
	// 只重试建连；音频一旦送出就无法重放
	stream, err := retry.DoValue(ctx, s.backoff(), func(ctx context.Context) (Stream, error) {
		st, err := s.streaming.Open(ctx, opts)
		if err != nil {
			return nil, s.retryable(ctx, "open", opts.TurnID, err)
		}
		return st, nil
	})
	if err != nil {
		em.fail("open", err)
		return
	}
	defer stream.Close()

	events := stream.Events()
	var deadline <-chan time.Time
	sent := 0

	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				if sent == 0 {
					em.fail("collect", ErrNoAudio)
					return
				}
				if err := stream.Commit(); err != nil {
					em.fail("commit", err)
					return
				}
				timer := time.NewTimer(s.timeout)
				defer timer.Stop()
				deadline = timer.C
				continue
			}
			if len(chunk) == 0 {
				continue
			}
			if err := stream.Send(chunk); err != nil {
				em.fail("send", err)
				return
			}
			sent += len(chunk)

		case ev, ok := <-events:
			if !ok {
				em.fail("receive", ErrStreamEnded)
				return
			}
			if ev.Err != nil {
				em.fail("receive", ev.Err)
				return
			}
			switch ev.Kind {
			case speech.KindPartial, speech.KindDelta:
				if ev.Text != "" {
					em.send(ev)
				}
			case speech.KindFinal:
				em.final(ev.Text)
				return
			}

		case <-deadline:
			em.fail("receive", ErrTranscribeTimeout)
			return

		case <-ctx.Done():
			em.fail("receive", ctx.Err())
			return
		}
	}
}
