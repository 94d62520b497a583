package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the protocol revision spoken by this build. Both sides carry it
// in the frame header and in the payload; a daemon receiving a different
// version answers with ErrorKindProtocolMismatch instead of executing.
const Version uint16 = 1

const (
	// Magic identifies a relay frame.
	Magic uint32 = 0x524C5946 // "RLYF"

	headerLen = 12

	// MaxPayloadBytes bounds decode memory; requests carry argv, env, and an
	// optional stdin buffer, so the ceiling is generous.
	MaxPayloadBytes uint32 = 16 << 20
)

// MessageType discriminates frame payloads.
type MessageType uint8

const (
	TypeRequest  MessageType = 1
	TypeResponse MessageType = 2
)

var (
	ErrShortHeader     = errors.New("protocol: short frame header")
	ErrBadMagic        = errors.New("protocol: bad frame magic")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Header is the fixed-size prefix of every frame. The payload itself is
// field-tagged JSON so fields can be added without breaking older peers.
type Header struct {
	Magic      uint32
	Version    uint16
	Type       MessageType
	Flags      uint8
	PayloadLen uint32
}

// EncodeHeader serializes a header into its wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Type)
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadLen)
	return buf
}

// DecodeHeader parses a wire-form header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != headerLen {
		return Header{}, fmt.Errorf("protocol: invalid header length %d", len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Type:       MessageType(b[6]),
		Flags:      b[7],
		PayloadLen: binary.BigEndian.Uint32(b[8:12]),
	}
	if h.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	if h.PayloadLen > MaxPayloadBytes {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// ReadFrame reads one length-prefixed frame. The header version is returned
// to the caller rather than enforced here so that a daemon can still answer a
// mismatched peer with a structured error.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var fixed [headerLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, nil, ErrShortHeader
		}
		return Header{}, nil, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, fmt.Errorf("protocol: read payload: %w", err)
		}
	}
	return h, payload, nil
}

// WriteFrame writes one frame with the current protocol version.
func WriteFrame(w io.Writer, typ MessageType, payload []byte) error {
	if uint64(len(payload)) > uint64(MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := Header{
		Magic:      Magic,
		Version:    Version,
		Type:       typ,
		PayloadLen: uint32(len(payload)),
	}
	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
