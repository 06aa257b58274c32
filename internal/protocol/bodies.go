package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// GUID identifies one audio interval. The all-zero GUID marks silence.
type GUID [16]byte

// IsZero reports whether g is the silence marker.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// String renders g as 32 lowercase hex digits.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// FourCC is the codec tag of an interval ("OGGv" for Ogg Vorbis).
type FourCC [4]byte

// MakeFourCC builds a FourCC from a string of up to four bytes.
func MakeFourCC(s string) FourCC {
	var f FourCC
	copy(f[:], s)
	return f
}

// IsZero reports whether no codec was given.
func (f FourCC) IsZero() bool {
	return f == FourCC{}
}

func (f FourCC) String() string {
	return strings.TrimRight(string(f[:]), "\x00 ")
}

// Ext returns the archive file extension for the codec.
func (f FourCC) Ext() string {
	if f == MakeFourCC("OGGv") {
		return "ogg"
	}
	ext := strings.ToLower(f.String())
	if ext == "" {
		return "bin"
	}
	return ext
}

type builder struct {
	buf []byte
}

func (b *builder) u8(v uint8) { b.buf = append(b.buf, v) }

func (b *builder) u16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }

func (b *builder) u32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

func (b *builder) raw(p []byte) { b.buf = append(b.buf, p...) }

func (b *builder) str(s string) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

type parser struct {
	buf []byte
	err error
}

func (p *parser) need(n int) bool {
	if p.err != nil {
		return false
	}
	if len(p.buf) < n {
		p.err = ErrShortMessage
		return false
	}
	return true
}

func (p *parser) u8() uint8 {
	if !p.need(1) {
		return 0
	}
	v := p.buf[0]
	p.buf = p.buf[1:]
	return v
}

func (p *parser) u16() uint16 {
	if !p.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(p.buf)
	p.buf = p.buf[2:]
	return v
}

func (p *parser) u32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf)
	p.buf = p.buf[4:]
	return v
}

func (p *parser) raw(dst []byte) {
	if !p.need(len(dst)) {
		return
	}
	copy(dst, p.buf)
	p.buf = p.buf[len(dst):]
}

func (p *parser) str() string {
	if p.err != nil {
		return ""
	}
	i := bytes.IndexByte(p.buf, 0)
	if i < 0 {
		p.err = fmt.Errorf("%w: unterminated string", ErrShortMessage)
		return ""
	}
	s := string(p.buf[:i])
	p.buf = p.buf[i+1:]
	return s
}

func (p *parser) rest() []byte {
	if p.err != nil {
		return nil
	}
	out := p.buf
	p.buf = nil
	return out
}

func (p *parser) empty() bool { return len(p.buf) == 0 }

// AuthChallenge opens every connection.
type AuthChallenge struct {
	Challenge       [ChallengeSize]byte
	ServerCaps      uint32
	ProtocolVersion uint32
	License         string
}

func (m AuthChallenge) Marshal() Message {
	var b builder
	b.raw(m.Challenge[:])
	b.u32(m.ServerCaps)
	b.u32(m.ProtocolVersion)
	if m.ServerCaps&ServerCapLicense != 0 {
		b.str(m.License)
	}
	return Message{Type: TypeAuthChallenge, Payload: b.buf}
}

func ParseAuthChallenge(payload []byte) (AuthChallenge, error) {
	p := parser{buf: payload}
	var m AuthChallenge
	p.raw(m.Challenge[:])
	m.ServerCaps = p.u32()
	m.ProtocolVersion = p.u32()
	if m.ServerCaps&ServerCapLicense != 0 {
		m.License = p.str()
	}
	return m, p.err
}

// KeepaliveSeconds extracts the keepalive interval advertised in caps.
func (m AuthChallenge) KeepaliveSeconds() int {
	return int((m.ServerCaps >> 8) & 0xff)
}

// AuthReply answers an AuthUser request. Message carries the final username
// on success and the error text on failure.
type AuthReply struct {
	OK          bool
	Message     string
	MaxChannels uint8
}

func (m AuthReply) Marshal() Message {
	var b builder
	if m.OK {
		b.u8(1)
	} else {
		b.u8(0)
	}
	b.str(m.Message)
	if m.OK {
		b.u8(m.MaxChannels)
	}
	return Message{Type: TypeAuthReply, Payload: b.buf}
}

func ParseAuthReply(payload []byte) (AuthReply, error) {
	p := parser{buf: payload}
	var m AuthReply
	m.OK = p.u8()&1 != 0
	m.Message = p.str()
	if m.OK && !p.empty() {
		m.MaxChannels = p.u8()
	}
	return m, p.err
}

// ConfigChange announces the room tempo.
type ConfigChange struct {
	BPM uint16
	BPI uint16
}

func (m ConfigChange) Marshal() Message {
	var b builder
	b.u16(m.BPM)
	b.u16(m.BPI)
	return Message{Type: TypeConfigChangeNotify, Payload: b.buf}
}

func ParseConfigChange(payload []byte) (ConfigChange, error) {
	p := parser{buf: payload}
	m := ConfigChange{BPM: p.u16(), BPI: p.u16()}
	return m, p.err
}

// UserInfoRecord describes one channel of one user.
type UserInfoRecord struct {
	Active      bool
	Channel     uint8
	Volume      int16
	Pan         int8
	Flags       uint8
	Username    string
	ChannelName string
}

// UserInfoChange carries channel add/update/remove records.
type UserInfoChange struct {
	Records []UserInfoRecord
}

func (m UserInfoChange) Marshal() Message {
	var b builder
	for _, r := range m.Records {
		if r.Active {
			b.u8(1)
		} else {
			b.u8(0)
		}
		b.u8(r.Channel)
		b.u16(uint16(r.Volume))
		b.u8(uint8(r.Pan))
		b.u8(r.Flags)
		b.str(r.Username)
		b.str(r.ChannelName)
	}
	return Message{Type: TypeUserInfoChangeNotify, Payload: b.buf}
}

func ParseUserInfoChange(payload []byte) (UserInfoChange, error) {
	p := parser{buf: payload}
	var m UserInfoChange
	for !p.empty() && p.err == nil {
		r := UserInfoRecord{
			Active:  p.u8() != 0,
			Channel: p.u8(),
			Volume:  int16(p.u16()),
			Pan:     int8(p.u8()),
			Flags:   p.u8(),
		}
		r.Username = p.str()
		r.ChannelName = p.str()
		if p.err == nil {
			m.Records = append(m.Records, r)
		}
	}
	return m, p.err
}

// DownloadBegin announces an interval relayed from another user.
type DownloadBegin struct {
	GUID     GUID
	EstSize  uint32
	FourCC   FourCC
	Channel  uint8
	Username string
}

func (m DownloadBegin) Marshal() Message {
	var b builder
	b.raw(m.GUID[:])
	b.u32(m.EstSize)
	b.raw(m.FourCC[:])
	b.u8(m.Channel)
	b.str(m.Username)
	return Message{Type: TypeDownloadIntervalBegin, Payload: b.buf}
}

func ParseDownloadBegin(payload []byte) (DownloadBegin, error) {
	p := parser{buf: payload}
	var m DownloadBegin
	p.raw(m.GUID[:])
	m.EstSize = p.u32()
	p.raw(m.FourCC[:])
	m.Channel = p.u8()
	m.Username = p.str()
	return m, p.err
}

// UploadBegin starts an interval upload.
type UploadBegin struct {
	GUID    GUID
	EstSize uint32
	FourCC  FourCC
	Channel uint8
}

func (m UploadBegin) Marshal() Message {
	var b builder
	b.raw(m.GUID[:])
	b.u32(m.EstSize)
	b.raw(m.FourCC[:])
	b.u8(m.Channel)
	return Message{Type: TypeUploadIntervalBegin, Payload: b.buf}
}

func ParseUploadBegin(payload []byte) (UploadBegin, error) {
	p := parser{buf: payload}
	var m UploadBegin
	p.raw(m.GUID[:])
	m.EstSize = p.u32()
	p.raw(m.FourCC[:])
	m.Channel = p.u8()
	return m, p.err
}

// IntervalWrite is one chunk of interval data. Upload and download writes
// share this layout.
type IntervalWrite struct {
	GUID  GUID
	Final bool
	Data  []byte
}

// Marshal encodes the chunk as t, which must be TypeUploadIntervalWrite or
// TypeDownloadIntervalWrite.
func (m IntervalWrite) Marshal(t Type) Message {
	var b builder
	b.buf = make([]byte, 0, 17+len(m.Data))
	b.raw(m.GUID[:])
	if m.Final {
		b.u8(1)
	} else {
		b.u8(0)
	}
	b.raw(m.Data)
	return Message{Type: t, Payload: b.buf}
}

func ParseIntervalWrite(payload []byte) (IntervalWrite, error) {
	p := parser{buf: payload}
	var m IntervalWrite
	p.raw(m.GUID[:])
	m.Final = p.u8()&1 != 0
	m.Data = p.rest()
	return m, p.err
}

// AuthUser is the client's login request.
type AuthUser struct {
	PassHash      [PassHashSize]byte
	Username      string
	ClientCaps    uint32
	ClientVersion uint32
}

func (m AuthUser) Marshal() Message {
	var b builder
	b.raw(m.PassHash[:])
	b.str(m.Username)
	b.u32(m.ClientCaps)
	b.u32(m.ClientVersion)
	return Message{Type: TypeAuthUser, Payload: b.buf}
}

// ParseAuthUser decodes a login request. Capabilities and version are
// optional on the wire and default to zero.
func ParseAuthUser(payload []byte) (AuthUser, error) {
	p := parser{buf: payload}
	var m AuthUser
	p.raw(m.PassHash[:])
	m.Username = p.str()
	if p.err != nil {
		return m, p.err
	}
	if !p.empty() {
		m.ClientCaps = p.u32()
	}
	if !p.empty() {
		m.ClientVersion = p.u32()
	}
	return m, p.err
}

// UsermaskEntry subscribes to the channels of one peer.
type UsermaskEntry struct {
	Username string
	Mask     uint32
}

// SetUsermask replaces subscription entries.
type SetUsermask struct {
	Entries []UsermaskEntry
}

func (m SetUsermask) Marshal() Message {
	var b builder
	for _, e := range m.Entries {
		b.str(e.Username)
		b.u32(e.Mask)
	}
	return Message{Type: TypeSetUsermask, Payload: b.buf}
}

func ParseSetUsermask(payload []byte) (SetUsermask, error) {
	p := parser{buf: payload}
	var m SetUsermask
	for !p.empty() && p.err == nil {
		e := UsermaskEntry{Username: p.str(), Mask: p.u32()}
		if p.err == nil {
			m.Entries = append(m.Entries, e)
		}
	}
	return m, p.err
}

// ChannelInfo is one local channel as described by its owner.
type ChannelInfo struct {
	Name   string
	Volume int16
	Pan    int8
	Flags  uint8
}

// ChannelFlagInactive marks a slot as unused in SetChannelInfo.
const ChannelFlagInactive uint8 = 0x80

const channelParamSize = 4

// SetChannelInfo lists the sender's channels by slot index.
type SetChannelInfo struct {
	Channels []ChannelInfo
}

func (m SetChannelInfo) Marshal() Message {
	var b builder
	b.u16(channelParamSize)
	for _, c := range m.Channels {
		b.str(c.Name)
		b.u16(uint16(c.Volume))
		b.u8(uint8(c.Pan))
		b.u8(c.Flags)
	}
	return Message{Type: TypeSetChannelInfo, Payload: b.buf}
}

// ParseSetChannelInfo decodes channel records. A truncated trailing record
// is dropped without failing the whole message; the returned error is only
// set when the header itself is missing.
func ParseSetChannelInfo(payload []byte) (SetChannelInfo, error) {
	p := parser{buf: payload}
	var m SetChannelInfo
	paramSize := int(p.u16())
	if p.err != nil {
		return m, p.err
	}
	for !p.empty() {
		name := p.str()
		if p.err != nil || len(p.buf) < paramSize {
			break
		}
		params := parser{buf: p.buf[:paramSize]}
		p.buf = p.buf[paramSize:]
		c := ChannelInfo{Name: name}
		if paramSize >= 2 {
			c.Volume = int16(params.u16())
		}
		if paramSize >= 3 {
			c.Pan = int8(params.u8())
		}
		if paramSize >= 4 {
			c.Flags = params.u8()
		}
		m.Channels = append(m.Channels, c)
	}
	return m, nil
}

// Chat is a chat-class message: a command tag followed by parameters.
type Chat struct {
	Parms []string
}

// NewChat builds a chat message from its parameters.
func NewChat(parms ...string) Chat {
	return Chat{Parms: parms}
}

// Parm returns parameter i or "" when absent.
func (m Chat) Parm(i int) string {
	if i < len(m.Parms) {
		return m.Parms[i]
	}
	return ""
}

func (m Chat) Marshal() Message {
	var b builder
	for i, s := range m.Parms {
		if i == MaxChatParms {
			break
		}
		b.str(s)
	}
	return Message{Type: TypeChatMessage, Payload: b.buf}
}

// ParseChat decodes up to MaxChatParms strings. An unterminated final
// string is accepted as-is.
func ParseChat(payload []byte) (Chat, error) {
	var m Chat
	rest := payload
	for len(rest) > 0 && len(m.Parms) < MaxChatParms {
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			m.Parms = append(m.Parms, string(rest))
			break
		}
		m.Parms = append(m.Parms, string(rest[:i]))
		rest = rest[i+1:]
	}
	if len(m.Parms) == 0 {
		return m, ErrShortMessage
	}
	return m, nil
}

// Keepalive returns an empty keepalive message.
func Keepalive() Message {
	return Message{Type: TypeKeepalive}
}
