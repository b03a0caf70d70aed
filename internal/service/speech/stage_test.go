package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bloomware/voicechat/backend/internal/model/speech"
)

type fakeBatch struct {
	mu        sync.Mutex
	got       []byte
	text      string
	err       error
	delay     time.Duration
	calls     int
	failFirst int
	failErr   error
}

func (f *fakeBatch) Transcribe(ctx context.Context, pcm []byte, _ speech.Options) (string, error) {
	f.mu.Lock()
	f.got = append([]byte(nil), pcm...)
	f.calls++
	failing := f.calls <= f.failFirst
	f.mu.Unlock()
	if failing {
		return "", f.failErr
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

// fakeStream 每收到一个音频块回一个 partial，commit 后按 script 回放。
type fakeStream struct {
	events    chan speech.TranscriptEvent
	afterSend func(n int) []speech.TranscriptEvent
	onCommit  []speech.TranscriptEvent
	closeOnce sync.Once
	sent      int
}

func (f *fakeStream) Send(pcm []byte) error {
	f.sent++
	if f.afterSend != nil {
		for _, ev := range f.afterSend(f.sent) {
			f.events <- ev
		}
	}
	return nil
}

func (f *fakeStream) Commit() error {
	for _, ev := range f.onCommit {
		f.events <- ev
	}
	return nil
}

func (f *fakeStream) Events() <-chan speech.TranscriptEvent { return f.events }

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

type fakeStreaming struct {
	stream    *fakeStream
	mu        sync.Mutex
	opens     int
	failOpens int
}

func (f *fakeStreaming) Open(context.Context, speech.Options) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.opens <= f.failOpens {
		return nil, errors.New("dial: connection reset")
	}
	return f.stream, nil
}

func feed(chunks ...[]byte) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func collect(t *testing.T, events <-chan speech.TranscriptEvent) []speech.TranscriptEvent {
	t.Helper()
	var out []speech.TranscriptEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for transcript events")
		}
	}
}

func assertSingleTerminal(t *testing.T, events []speech.TranscriptEvent) speech.TranscriptEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Terminal() {
			t.Fatalf("event %d is terminal but not last: %+v", i, ev)
		}
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event is not terminal: %+v", last)
	}
	return last
}

func TestStageBatchJoinsChunks(t *testing.T) {
	batch := &fakeBatch{text: "  台北天氣如何  "}
	stage := NewStage(StageConfig{Batch: batch, Logger: zerolog.Nop()})

	events := collect(t, stage.Transcribe(context.Background(), feed([]byte{1, 2}, []byte{3, 4}), speech.Options{}))
	final := assertSingleTerminal(t, events)

	if len(events) != 1 {
		t.Fatalf("expected only final in buffered mode, got %d events", len(events))
	}
	if final.Err != nil || final.Text != "台北天氣如何" {
		t.Fatalf("unexpected final: %+v", final)
	}
	if string(batch.got) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("expected joined audio, got %v", batch.got)
	}
}

func TestStageBatchNoAudio(t *testing.T) {
	stage := NewStage(StageConfig{Batch: &fakeBatch{text: "x"}, Logger: zerolog.Nop()})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed(), speech.Options{})))
	if !errors.Is(final.Err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", final.Err)
	}
}

func TestStageBatchEmptyTranscript(t *testing.T) {
	stage := NewStage(StageConfig{Batch: &fakeBatch{text: "   "}, Logger: zerolog.Nop()})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{0, 0}), speech.Options{})))
	if !errors.Is(final.Err, ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", final.Err)
	}
}

func TestStageBatchTimeout(t *testing.T) {
	stage := NewStage(StageConfig{
		Batch:   &fakeBatch{text: "late", delay: time.Second},
		Timeout: 20 * time.Millisecond,
		Logger:  zerolog.Nop(),
	})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{0, 0}), speech.Options{})))
	if !errors.Is(final.Err, ErrTranscribeTimeout) {
		t.Fatalf("expected ErrTranscribeTimeout, got %v", final.Err)
	}
	var terr *TranscriptionError
	if !errors.As(final.Err, &terr) || terr.Op != "transcribe" {
		t.Fatalf("expected TranscriptionError(transcribe), got %v", final.Err)
	}
}

func TestStageStreamingOrdersPartialsBeforeFinal(t *testing.T) {
	stream := &fakeStream{
		events: make(chan speech.TranscriptEvent, 8),
		afterSend: func(n int) []speech.TranscriptEvent {
			return []speech.TranscriptEvent{{Kind: speech.KindPartial, Text: []string{"", "台北", "台北天氣"}[n]}}
		},
		onCommit: []speech.TranscriptEvent{
			{Kind: speech.KindFinal, Text: "台北天氣如何"},
			{Kind: speech.KindFinal, Text: "duplicate"},
		},
	}
	stage := NewStage(StageConfig{
		Streaming:   &fakeStreaming{stream: stream},
		Incremental: true,
		Logger:      zerolog.Nop(),
	})
	if !stage.Incremental() {
		t.Fatal("expected incremental stage")
	}

	events := collect(t, stage.Transcribe(context.Background(), feed([]byte{1, 1}, []byte{2, 2}), speech.Options{}))
	final := assertSingleTerminal(t, events)

	if final.Text != "台北天氣如何" {
		t.Fatalf("unexpected final text: %q", final.Text)
	}
	if len(events) != 3 {
		t.Fatalf("expected 2 partials + final, got %+v", events)
	}
	if events[0].Text != "台北" || events[1].Text != "台北天氣" {
		t.Fatalf("unexpected partial order: %+v", events)
	}
}

func TestStageStreamingEndsWithoutFinal(t *testing.T) {
	stream := &fakeStream{events: make(chan speech.TranscriptEvent, 4)}
	stream.onCommit = nil
	stage := NewStage(StageConfig{Streaming: &fakeStreaming{stream: stream}, Incremental: true, Logger: zerolog.Nop()})

	audio := make(chan []byte, 1)
	audio <- []byte{1, 1}
	close(audio)

	// 服务端直接断开
	go func() {
		time.Sleep(20 * time.Millisecond)
		stream.Close()
	}()

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), audio, speech.Options{})))
	if !errors.Is(final.Err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", final.Err)
	}
}

func TestStageStreamingTimeoutAfterCommit(t *testing.T) {
	stream := &fakeStream{events: make(chan speech.TranscriptEvent, 4)}
	stage := NewStage(StageConfig{
		Streaming:   &fakeStreaming{stream: stream},
		Incremental: true,
		Timeout:     20 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{1, 1}), speech.Options{})))
	if !errors.Is(final.Err, ErrTranscribeTimeout) {
		t.Fatalf("expected ErrTranscribeTimeout, got %v", final.Err)
	}
}

func TestStageCancelledContext(t *testing.T) {
	stage := NewStage(StageConfig{Batch: &fakeBatch{text: "x"}, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	audio := make(chan []byte)

	events := stage.Transcribe(ctx, audio, speech.Options{})
	cancel()

	got := collect(t, events)
	if len(got) > 1 {
		t.Fatalf("expected at most one event after cancel, got %+v", got)
	}
}

func TestStageFallsBackToBatchWithoutStreaming(t *testing.T) {
	stage := NewStage(StageConfig{Batch: &fakeBatch{text: "ok"}, Incremental: true, Logger: zerolog.Nop()})
	if stage.Incremental() {
		t.Fatal("expected buffered mode without streaming transcriber")
	}
}

func TestStageBatchRetriesTransientFailure(t *testing.T) {
	batch := &fakeBatch{text: "你好", failFirst: 2, failErr: errors.New("502 bad gateway")}
	stage := NewStage(StageConfig{Batch: batch, Retries: 2, RetryBase: time.Millisecond, Logger: zerolog.Nop()})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{0, 0}), speech.Options{})))
	if final.Err != nil || final.Text != "你好" {
		t.Fatalf("expected final after retries, got %+v", final)
	}
	if batch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", batch.calls)
	}
}

func TestStageBatchGivesUpAfterRetries(t *testing.T) {
	batch := &fakeBatch{failFirst: 10, failErr: errors.New("connection reset")}
	stage := NewStage(StageConfig{Batch: batch, Retries: 1, RetryBase: time.Millisecond, Logger: zerolog.Nop()})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{0, 0}), speech.Options{})))
	var terr *TranscriptionError
	if !errors.As(final.Err, &terr) || terr.Op != "transcribe" {
		t.Fatalf("expected TranscriptionError(transcribe), got %v", final.Err)
	}
	if batch.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", batch.calls)
	}
}

func TestStageBatchPermanentErrorNotRetried(t *testing.T) {
	batch := &fakeBatch{failFirst: 10, failErr: Permanent(errors.New("401 unauthorized"))}
	stage := NewStage(StageConfig{Batch: batch, Retries: 3, RetryBase: time.Millisecond, Logger: zerolog.Nop()})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{0, 0}), speech.Options{})))
	if final.Err == nil {
		t.Fatal("expected error")
	}
	if batch.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", batch.calls)
	}
}

func TestStageBatchRetriesStayWithinTimeout(t *testing.T) {
	batch := &fakeBatch{failFirst: 100, failErr: errors.New("503")}
	stage := NewStage(StageConfig{
		Batch:     batch,
		Timeout:   40 * time.Millisecond,
		Retries:   5,
		RetryBase: 100 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})

	started := time.Now()
	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{0, 0}), speech.Options{})))
	if final.Err == nil {
		t.Fatal("expected error")
	}
	if took := time.Since(started); took > 500*time.Millisecond {
		t.Fatalf("expected retries to stop at the timeout, took %v", took)
	}
}

func TestStageStreamingRetriesOpen(t *testing.T) {
	stream := &fakeStream{
		events:   make(chan speech.TranscriptEvent, 4),
		onCommit: []speech.TranscriptEvent{{Kind: speech.KindFinal, Text: "好的"}},
	}
	streaming := &fakeStreaming{stream: stream, failOpens: 1}
	stage := NewStage(StageConfig{Streaming: streaming, Incremental: true, Retries: 2, RetryBase: time.Millisecond, Logger: zerolog.Nop()})

	final := assertSingleTerminal(t, collect(t, stage.Transcribe(context.Background(), feed([]byte{1, 1}), speech.Options{})))
	if final.Err != nil || final.Text != "好的" {
		t.Fatalf("unexpected final: %+v", final)
	}
	if streaming.opens != 2 {
		t.Fatalf("expected 2 open attempts, got %d", streaming.opens)
	}
}

func TestDialErrorMarksAuthRejectionPermanent(t *testing.T) {
	denied := dialError("ASR WebSocket", &http.Response{StatusCode: http.StatusUnauthorized}, errors.New("bad handshake"))
	if !isPermanent(denied) {
		t.Fatalf("expected 401 handshake to be permanent, got %v", denied)
	}
	if isPermanent(dialError("ASR WebSocket", nil, errors.New("i/o timeout"))) {
		t.Fatal("expected network failure to stay retryable")
	}
}

func TestWhisperClientFault(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnauthorized:        true,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
	}
	for status, want := range cases {
		err := fmt.Errorf("whisper: %w", &openai.APIError{HTTPStatusCode: status})
		if got := clientFault(err); got != want {
			t.Fatalf("status %d: expected %v, got %v", status, want, got)
		}
	}
}

func TestVolcengineAuthHeader(t *testing.T) {
	asr := NewVolcengineASR(&speech.SpeechConfig{AppID: " app ", AccessToken: "tok", ConcurrentMode: true}, zerolog.Nop())
	header, err := asr.authHeader("conn-1")
	if err != nil {
		t.Fatalf("auth header: %v", err)
	}
	if header.Get("X-Api-App-Key") != "app" || header.Get("X-Api-Resource-Id") != "volc.bigasr.sauc.concurrent" {
		t.Fatalf("unexpected header: %v", header)
	}
	if header.Get("X-Api-Connect-Id") != "conn-1" {
		t.Fatalf("expected connect id, got %q", header.Get("X-Api-Connect-Id"))
	}

	_, err = NewVolcengineASR(&speech.SpeechConfig{AppID: "app"}, zerolog.Nop()).authHeader("conn-2")
	if err == nil || !isPermanent(err) {
		t.Fatalf("expected permanent error for missing token, got %v", err)
	}
}
