// Package audio 16bit 单声道 PCM 的小工具。
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

var ErrOddPCM = errors.New("PCM data must have even length (16-bit samples)")

// WrapWAV 给 16bit 单声道 PCM 加上 44 字节 WAV 头。
func WrapWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCM
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// ResamplePCM16 线性插值重采样，仅用于语音识别上行。
func ResamplePCM16(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return pcm
	}

	n := len(pcm) / 2
	src := make([]int16, n)
	for i := range src {
		src[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	outLen := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, outLen*2)
	ratio := float64(from) / float64(to)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := float64(src[min(idx, n-1)])
		s1 := float64(src[min(idx+1, n-1)])
		v := s0 + (s1-s0)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Duration 按 16bit 单声道计算时长。
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
