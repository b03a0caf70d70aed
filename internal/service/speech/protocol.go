package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 火山引擎 sauc 二进制帧：4 字节头 + 可选序号 + payload 长度 + payload。
// 头部每个字段 4 bit：版本|头长度|消息类型|标志|序列化|压缩，最后 1 字节保留。

const protocolVersion = 0b0001

type messageType uint8

const (
	msgFullClientRequest  messageType = 0b0001
	msgAudioOnlyRequest   messageType = 0b0010
	msgFullServerResponse messageType = 0b1001
	msgServerAck          messageType = 0b1011
	msgServerError        messageType = 0b1111
)

type messageFlags uint8

const (
	flagNoSequence       messageFlags = 0b0000
	flagPositiveSequence messageFlags = 0b0001
	flagLastNoSequence   messageFlags = 0b0010
	flagNegativeSequence messageFlags = 0b0011
)

const (
	serialNone uint8 = 0b0000
	serialJSON uint8 = 0b0001

	compressNone uint8 = 0b0000
	compressGzip uint8 = 0b0001
)

type frame struct {
	Type        messageType
	Flags       messageFlags
	Serial      uint8
	Compression uint8
	Sequence    int32
	ErrorCode   uint32
	Payload     []byte
}

func (f *frame) hasSequence() bool {
	switch f.Flags & 0b0011 {
	case flagPositiveSequence, flagNegativeSequence:
		return true
	}
	return false
}

// last 服务端标记的最后一包。
func (f *frame) last() bool {
	switch f.Flags & 0b0011 {
	case flagLastNoSequence, flagNegativeSequence:
		return true
	}
	return f.Sequence < 0
}

// encodeFrame 客户端帧编码，payload 按帧头声明的方式压缩。
func encodeFrame(f *frame) ([]byte, error) {
	payload := f.Payload
	if f.Compression == compressGzip {
		var err error
		if payload, err = gzipBytes(payload); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf,
		protocolVersion<<4|0b0001,
		uint8(f.Type)<<4|uint8(f.Flags),
		f.Serial<<4|f.Compression,
		0x00,
	)
	if f.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Sequence))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}

// decodeFrame 服务端帧解码，返回的 Payload 已解压。
func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)

	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := r.Seek(int64(extra), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skip extended header: %w", err)
		}
	}

	f := &frame{
		Type:        messageType(head[1] >> 4),
		Flags:       messageFlags(head[1] & 0x0F),
		Serial:      head[2] >> 4,
		Compression: head[2] & 0x0F,
	}

	if f.hasSequence() {
		var seq int32
		if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		f.Sequence = seq
	}
	if f.Type == msgServerError {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("payload truncated: want %d, have %d", size, r.Len())
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if f.Compression == compressGzip && len(payload) > 0 {
		var err error
		if payload, err = gunzipBytes(payload); err != nil {
			return nil, err
		}
	}
	f.Payload = payload
	return f, nil
}

// fullClientRequest 首包，携带 JSON 请求参数。
func fullClientRequest(payload []byte) *frame {
	return &frame{
		Type:        msgFullClientRequest,
		Flags:       flagPositiveSequence,
		Serial:      serialJSON,
		Compression: compressGzip,
		Sequence:    1,
		Payload:     payload,
	}
}

// audioRequest 音频包，最后一包序号取负。
func audioRequest(pcm []byte, sequence int32, last bool) *frame {
	f := &frame{
		Type:        msgAudioOnlyRequest,
		Flags:       flagPositiveSequence,
		Serial:      serialNone,
		Compression: compressGzip,
		Sequence:    sequence,
		Payload:     pcm,
	}
	if last {
		f.Flags = flagNegativeSequence
		f.Sequence = -sequence
	}
	return f
}

var errEmptyGzip = errors.New("gzip payload is empty")

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyGzip
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
