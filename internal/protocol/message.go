package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type identifies a wire message.
type Type uint8

// Message types. Server→client types are below 0x80, client→server types
// are 0x80..0xBF, and types usable in both directions start at 0xC0.
const (
	TypeAuthChallenge         Type = 0x00
	TypeAuthReply             Type = 0x01
	TypeConfigChangeNotify    Type = 0x02
	TypeUserInfoChangeNotify  Type = 0x03
	TypeDownloadIntervalBegin Type = 0x04
	TypeDownloadIntervalWrite Type = 0x05

	TypeAuthUser            Type = 0x80
	TypeSetUsermask         Type = 0x81
	TypeSetChannelInfo      Type = 0x82
	TypeUploadIntervalBegin Type = 0x83
	TypeUploadIntervalWrite Type = 0x84

	TypeChatMessage Type = 0xC0
	TypeKeepalive   Type = 0xFD
)

// Protocol versions accepted from clients (inclusive).
const (
	ProtocolVersion    uint32 = 0x00020000
	ProtocolVersionMin uint32 = 0x00020000
	ProtocolVersionMax uint32 = 0x0002ffff
)

// Capability bits.
const (
	ServerCapLicense  uint32 = 1 << 0
	ClientCapLicense  uint32 = 1 << 0
	ClientCapExtended uint32 = 1 << 1
)

// Wire limits.
const (
	HeaderSize      = 5
	MaxPayload      = 16384
	MaxUserChannels = 32
	MaxChatParms    = 5
	ChallengeSize   = 20
	PassHashSize    = 20
)

var (
	// ErrMessageTooLarge is returned when a frame header announces a payload
	// beyond MaxPayload.
	ErrMessageTooLarge = errors.New("protocol: message too large")
	// ErrShortMessage is returned when a payload ends before a field does.
	ErrShortMessage = errors.New("protocol: short message")
)

// Message is one framed wire message: type plus opaque payload.
type Message struct {
	Type    Type
	Payload []byte
}

// Size is the number of bytes the message occupies on the wire.
func (m Message) Size() int {
	return HeaderSize + len(m.Payload)
}

func (t Type) String() string {
	switch t {
	case TypeAuthChallenge:
		return "auth_challenge"
	case TypeAuthReply:
		return "auth_reply"
	case TypeConfigChangeNotify:
		return "config_change_notify"
	case TypeUserInfoChangeNotify:
		return "userinfo_change_notify"
	case TypeDownloadIntervalBegin:
		return "download_interval_begin"
	case TypeDownloadIntervalWrite:
		return "download_interval_write"
	case TypeAuthUser:
		return "auth_user"
	case TypeSetUsermask:
		return "set_usermask"
	case TypeSetChannelInfo:
		return "set_channel_info"
	case TypeUploadIntervalBegin:
		return "upload_interval_begin"
	case TypeUploadIntervalWrite:
		return "upload_interval_write"
	case TypeChatMessage:
		return "chat_message"
	case TypeKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("type_0x%02x", uint8(t))
	}
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	size := binary.LittleEndian.Uint32(hdr[1:])
	if size > MaxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	m := Message{Type: Type(hdr[0])}
	if size > 0 {
		m.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
	return m, nil
}

// Encode returns the framed bytes of m.
func (m Message) Encode() []byte {
	out := make([]byte, HeaderSize+len(m.Payload))
	out[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(m.Payload)))
	copy(out[HeaderSize:], m.Payload)
	return out
}

// WriteMessage writes m to w as one frame.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// DecodeFrame parses exactly one frame from buf, as used by transports that
// preserve message boundaries (one WebSocket frame per message).
func DecodeFrame(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, ErrShortMessage
	}
	size := binary.LittleEndian.Uint32(buf[1:])
	if size > MaxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	if uint32(len(buf)-HeaderSize) != size {
		return Message{}, fmt.Errorf("%w: frame holds %d bytes, header says %d", ErrShortMessage, len(buf)-HeaderSize, size)
	}
	return Message{Type: Type(buf[0]), Payload: buf[HeaderSize:]}, nil
}
