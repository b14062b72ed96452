package wsstream

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed message header length:
// type(1) flags(1) timestampUs(8) payloadLength(4), all big-endian
const HeaderSize = 14

// FrameType identifies the payload of a binary message
type FrameType uint8

const (
	FrameVideo       FrameType = 1
	FrameAudio       FrameType = 2
	FrameVideoConfig FrameType = 3
	FrameAudioConfig FrameType = 4
)

// FlagKeyframe marks a video message that starts a decodable picture
const FlagKeyframe uint8 = 1

func (t FrameType) String() string {
	switch t {
	case FrameVideo:
		return "video"
	case FrameAudio:
		return "audio"
	case FrameVideoConfig:
		return "video_config"
	case FrameAudioConfig:
		return "audio_config"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Frame is one decoded binary message
type Frame struct {
	Type        FrameType
	Flags       uint8
	TimestampUs int64
	Payload     []byte
}

// Keyframe reports whether the keyframe flag is set
func (f Frame) Keyframe() bool {
	return f.Flags&FlagKeyframe != 0
}

// EncodeFrame serializes a message
func EncodeFrame(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	out[1] = f.Flags
	binary.BigEndian.PutUint64(out[2:10], uint64(f.TimestampUs))
	binary.BigEndian.PutUint32(out[10:14], uint32(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out
}

// DecodeFrame parses a message. The payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("message too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[10:14])
	if uint64(len(data)-HeaderSize) != uint64(n) {
		return Frame{}, fmt.Errorf("payload length %d does not match message body %d", n, len(data)-HeaderSize)
	}
	return Frame{
		Type:        FrameType(data[0]),
		Flags:       data[1],
		TimestampUs: int64(binary.BigEndian.Uint64(data[2:10])),
		Payload:     data[HeaderSize:],
	}, nil
}
