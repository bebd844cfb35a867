package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name:  "valid frame - empty payload",
			frame: Frame{Version: FrameVersion, Type: TypeClose, Payload: []byte{}},
		},
		{
			name:  "valid frame - with payload",
			frame: Frame{Version: FrameVersion, Type: TypePayload, Payload: []byte(`{"author":"alice"}`)},
		},
		{
			name:  "compressible payload",
			frame: Frame{Version: FrameVersion, Type: TypePayload, Payload: bytes.Repeat([]byte("abcd"), 1024)},
		},
		{
			name: "oversized payload (should fail)",
			frame: Frame{
				Version: FrameVersion,
				Type:    TypePayload,
				Flags:   FlagCompressed, // skip the compression attempt
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr {
				assert.Equal(t, ErrFrameTooLarge, err)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestEncodeFrameCompressesLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte("hello "), 500)
	data, err := EncodeMessage(TypePayload, payload)
	require.NoError(t, err)

	assert.Less(t, len(data), len(payload), "wire size should shrink")
	assert.Equal(t, uint8(FlagCompressed), data[6]&FlagCompressed)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Payload)
	assert.Zero(t, frame.Flags&FlagCompressed, "flag is cleared after decompression")
}

func TestDecodeFrameErrors(t *testing.T) {
	lengthOnly := func(n uint32) *bytes.Buffer {
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.BigEndian, n)
		return buf
	}

	t.Run("empty buffer", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("oversized frame", func(t *testing.T) {
		_, err := DecodeFrame(lengthOnly(MaxFrameSize + 1))
		assert.Equal(t, ErrFrameTooLarge, err)
	})

	t.Run("invalid frame length (too small)", func(t *testing.T) {
		_, err := DecodeFrame(lengthOnly(2))
		assert.Equal(t, ErrInvalidFrameLength, err)
	})

	t.Run("incomplete header", func(t *testing.T) {
		buf := lengthOnly(3)
		buf.WriteByte(FrameVersion)
		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("incomplete payload", func(t *testing.T) {
		buf := lengthOnly(10)
		buf.Write([]byte{FrameVersion, TypePayload, 0, 0x01, 0x02})
		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("corrupt compressed payload", func(t *testing.T) {
		buf := lengthOnly(3 + 6)
		buf.Write([]byte{FrameVersion, TypePayload, FlagCompressed, 0, 0, 0, 10, 0xFF, 0xFF})
		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrDecompressionFailed, err)
	})
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{1, 2})
	assert.Equal(t, ErrInvalidCompressedLen, err)

	huge := make([]byte, 8)
	binary.BigEndian.PutUint32(huge, MaxFrameSize+1)
	_, err = DecompressPayload(huge)
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestCompressPayloadIncompressible(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	out, ok := CompressPayload(data)
	assert.False(t, ok)
	assert.Equal(t, data, out)
}
