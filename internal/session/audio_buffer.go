package session

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrOddAudio      = errors.New("pcm16 chunk has odd byte count")
	ErrAudioOverflow = errors.New("audio buffer exceeds limit")
)

// AudioBuffer 一次录音的 pcm16 累积，只在会话的运行循环里使用。
type AudioBuffer struct {
	data []byte
	max  int
}

func NewAudioBuffer(max int) *AudioBuffer {
	return &AudioBuffer{max: max}
}

// AppendBase64 解码并追加一段 pcm16，返回解码后的字节。
func (b *AudioBuffer) AppendBase64(encoded string) ([]byte, error) {
	chunk, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pcm16_base64: %w", err)
	}
	if err := b.Append(chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (b *AudioBuffer) Append(chunk []byte) error {
	if len(chunk)%2 != 0 {
		return ErrOddAudio
	}
	if b.max > 0 && len(b.data)+len(chunk) > b.max {
		return ErrAudioOverflow
	}
	b.data = append(b.data, chunk...)
	return nil
}

func (b *AudioBuffer) Len() int {
	return len(b.data)
}

// Bytes 返回副本，调用方可在 Reset 之后继续持有。
func (b *AudioBuffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Reset 释放底层内存。
func (b *AudioBuffer) Reset() {
	b.data = nil
}
