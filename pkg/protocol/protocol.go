// Package protocol defines the datagram envelope and message set exchanged
// between a voicewire client and server.
//
// Every datagram is framed as:
//
//	[type tag (1)][session token (16)][type-specific payload]
//
// The session token identifies the sending peer. Control messages
// (Authenticate, ConnectionCheck, KeepAlive, Ping and their acks) establish
// and maintain the session; Sound messages carry compressed audio frames.
// Decoding is total: a malformed or unknown datagram yields an error that
// the receive loop is expected to log and drop, never a panic.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// TokenSize is the byte size of the session token in the envelope.
	TokenSize = 16

	// HeaderSize is the byte size of the envelope before the payload.
	HeaderSize = 1 + TokenSize

	// MaxPayload is the maximum payload size after the envelope header.
	// Large enough for a compressed frame plus AEAD overhead, small enough
	// to stay below typical path MTUs with room to spare.
	MaxPayload = 1400

	// MaxDatagram is the maximum total datagram size on the wire.
	MaxDatagram = HeaderSize + MaxPayload
)

// Audio format constants agreed between capture and playback. These are part
// of the wire contract: both ends must encode and decode with the same frame
// geometry.
const (
	// SampleRate is the PCM sample rate in Hz.
	SampleRate = 48000

	// FrameMillis is the duration of one audio frame in milliseconds.
	FrameMillis = 20

	// FrameSize is the number of samples per frame.
	FrameSize = SampleRate * FrameMillis / 1000 // 960

	// AudioChannels is the number of audio channels (mono).
	AudioChannels = 1
)

// Tag identifies the kind of a message on the wire.
type Tag byte

const (
	TagAuthenticate Tag = iota + 1
	TagAuthenticateAck
	TagConnectionCheck
	TagConnectionCheckAck
	TagKeepAlive
	TagPing
	TagSound
)

// String returns the tag name for logging.
func (t Tag) String() string {
	switch t {
	case TagAuthenticate:
		return "authenticate"
	case TagAuthenticateAck:
		return "authenticate_ack"
	case TagConnectionCheck:
		return "connection_check"
	case TagConnectionCheckAck:
		return "connection_check_ack"
	case TagKeepAlive:
		return "keep_alive"
	case TagPing:
		return "ping"
	case TagSound:
		return "sound"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

var (
	// ErrTruncated reports a datagram or payload shorter than its fixed fields.
	ErrTruncated = errors.New("protocol: truncated datagram")

	// ErrUnknownTag reports an unrecognized type tag.
	ErrUnknownTag = errors.New("protocol: unknown type tag")

	// ErrTooLarge reports a payload exceeding MaxPayload.
	ErrTooLarge = errors.New("protocol: payload too large")
)

// Message is one decoded wire message.
type Message interface {
	// Tag returns the message's wire tag.
	Tag() Tag

	// appendPayload appends the type-specific payload to dst.
	appendPayload(dst []byte) []byte
}

// Authenticate carries the player's identity and per-session secret. Sent
// repeatedly by the client until the server acknowledges.
type Authenticate struct {
	Player uuid.UUID
	Secret uuid.UUID
}

func (Authenticate) Tag() Tag { return TagAuthenticate }

func (m Authenticate) appendPayload(dst []byte) []byte {
	dst = append(dst, m.Player[:]...)
	return append(dst, m.Secret[:]...)
}

// AuthenticateAck acknowledges a successful Authenticate.
type AuthenticateAck struct{}

func (AuthenticateAck) Tag() Tag                        { return TagAuthenticateAck }
func (AuthenticateAck) appendPayload(dst []byte) []byte { return dst }

// ConnectionCheck probes whether the datagram path works end to end after
// authentication.
type ConnectionCheck struct{}

func (ConnectionCheck) Tag() Tag                        { return TagConnectionCheck }
func (ConnectionCheck) appendPayload(dst []byte) []byte { return dst }

// ConnectionCheckAck acknowledges a ConnectionCheck.
type ConnectionCheckAck struct{}

func (ConnectionCheckAck) Tag() Tag                        { return TagConnectionCheckAck }
func (ConnectionCheckAck) appendPayload(dst []byte) []byte { return dst }

// KeepAlive is the periodic liveness signal. Both sides echo it.
type KeepAlive struct{}

func (KeepAlive) Tag() Tag                        { return TagKeepAlive }
func (KeepAlive) appendPayload(dst []byte) []byte { return dst }

// Ping measures round-trip time. The receiver echoes the message unchanged.
type Ping struct {
	ID        uuid.UUID
	Timestamp int64 // sender clock, unix milliseconds
}

func (Ping) Tag() Tag { return TagPing }

func (m Ping) appendPayload(dst []byte) []byte {
	dst = append(dst, m.ID[:]...)
	return binary.BigEndian.AppendUint64(dst, uint64(m.Timestamp))
}

// Sound carries one compressed audio frame.
type Sound struct {
	// Source identifies the player the frame originated from. On the
	// client-to-server leg this is the sender itself; the server rewrites
	// it from the validated session before fanning out.
	Source uuid.UUID

	// Sequence increases monotonically per source.
	Sequence uint64

	// Whisper marks reduced-range speech. The transport carries it
	// through untouched; interpretation is the host's concern.
	Whisper bool

	// Data is the compressed (and sealed) audio frame.
	Data []byte
}

func (Sound) Tag() Tag { return TagSound }

const soundFixedSize = 16 + 8 + 1

func (m Sound) appendPayload(dst []byte) []byte {
	dst = append(dst, m.Source[:]...)
	dst = binary.BigEndian.AppendUint64(dst, m.Sequence)
	if m.Whisper {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return append(dst, m.Data...)
}

// Encode serializes a message with its envelope. The token identifies the
// sending peer's session.
func Encode(token uuid.UUID, m Message) ([]byte, error) {
	buf := make([]byte, 0, HeaderSize+64)
	buf = append(buf, byte(m.Tag()))
	buf = append(buf, token[:]...)
	buf = m.appendPayload(buf)
	if len(buf)-HeaderSize > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(buf)-HeaderSize)
	}
	return buf, nil
}

// Decode parses a datagram into its session token and message. The returned
// message owns its own copy of any variable-length data.
func Decode(data []byte) (uuid.UUID, Message, error) {
	if len(data) < HeaderSize {
		return uuid.Nil, nil, ErrTruncated
	}

	var token uuid.UUID
	copy(token[:], data[1:HeaderSize])
	payload := data[HeaderSize:]

	msg, err := decodePayload(Tag(data[0]), payload)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return token, msg, nil
}

func decodePayload(tag Tag, payload []byte) (Message, error) {
	switch tag {
	case TagAuthenticate:
		if len(payload) != 32 {
			return nil, fmt.Errorf("%w: authenticate payload %d bytes", ErrTruncated, len(payload))
		}
		var m Authenticate
		copy(m.Player[:], payload[0:16])
		copy(m.Secret[:], payload[16:32])
		return m, nil

	case TagAuthenticateAck:
		return AuthenticateAck{}, nil

	case TagConnectionCheck:
		return ConnectionCheck{}, nil

	case TagConnectionCheckAck:
		return ConnectionCheckAck{}, nil

	case TagKeepAlive:
		return KeepAlive{}, nil

	case TagPing:
		if len(payload) != 24 {
			return nil, fmt.Errorf("%w: ping payload %d bytes", ErrTruncated, len(payload))
		}
		var m Ping
		copy(m.ID[:], payload[0:16])
		m.Timestamp = int64(binary.BigEndian.Uint64(payload[16:24]))
		return m, nil

	case TagSound:
		if len(payload) < soundFixedSize {
			return nil, fmt.Errorf("%w: sound payload %d bytes", ErrTruncated, len(payload))
		}
		var m Sound
		copy(m.Source[:], payload[0:16])
		m.Sequence = binary.BigEndian.Uint64(payload[16:24])
		m.Whisper = payload[24] != 0
		m.Data = make([]byte, len(payload)-soundFixedSize)
		copy(m.Data, payload[soundFixedSize:])
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, byte(tag))
	}
}
