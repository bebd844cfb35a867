package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (16 MB). Attachments travel
	// inline inside message envelopes, so this is larger than a chat-only limit.
	MaxFrameSize = 16 * 1024 * 1024

	// FrameVersion is the current framing version
	FrameVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512
)

// Frame types
const (
	TypePayload uint8 = 0x01 // JSON-encoded Message
	TypeClose   uint8 = 0x02 // orderly shutdown, empty payload
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: compression
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is the unit carried over plain TCP connections.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// incompressible
		return data, false
	}

	if 4+n >= len(data) {
		return data, false
	}

	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}

	return out, nil
}

// EncodeFrame writes a frame to w, compressing payloads of at least
// CompressionThreshold bytes when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	// Version (1) + Type (1) + Flags (1) + Payload (N)
	length := uint32(3 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 7)
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = f.Version
	header[5] = f.Type
	header[6] = flags

	// Single write so concurrent readers never observe a header without its payload
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return err
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// DecodeFrame reads a frame from r, transparently decompressing the payload.
func DecodeFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return nil, err
	}

	payload := make([]byte, length-3)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	flags := header[6]
	if flags&FlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: header[4],
		Type:    header[5],
		Flags:   flags,
		Payload: payload,
	}, nil
}

// EncodeMessage is a helper that encodes a frame to a byte slice.
func EncodeMessage(msgType uint8, payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, &Frame{Version: FrameVersion, Type: msgType, Payload: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
