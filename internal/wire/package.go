package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// HeaderSize is the size of the package header in bytes:
	// 1 byte kind + 2 bytes payload length (big-endian).
	HeaderSize = 3

	// MaxPayload is the largest encoded payload accepted, NUL terminator included.
	MaxPayload = 32 * 1024
)

// Kind tags a package on the wire.
type Kind byte

const (
	KindNull      Kind = 0
	KindHandshake Kind = 1
	KindRequest   Kind = 2
	KindWritten   Kind = 3
	KindReply     Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindHandshake:
		return "handshake"
	case KindRequest:
		return "request"
	case KindWritten:
		return "written"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k <= KindReply
}

// Reply payloads.
const (
	replyOK   = "1"
	replyFail = "0"
)

// Package is a single protocol message. Payload is carried without its
// NUL terminator; Send appends it and Receive strips it.
type Package struct {
	Payload string
	Kind    Kind
}

// OKReply returns a reply package granting the request.
func OKReply() Package { return Package{Kind: KindReply, Payload: replyOK} }

// FailReply returns a reply package refusing the request.
func FailReply() Package { return Package{Kind: KindReply, Payload: replyFail} }

// ReplyOK reports whether p is a reply carrying the ok byte.
func (p Package) ReplyOK() bool {
	return p.Kind == KindReply && p.Payload == replyOK
}

var (
	// ErrReset is returned by Receive when the peer closed the stream
	// cleanly on a package boundary.
	ErrReset = errors.New("connection reset by peer")

	// ErrProtocol marks malformed input: short reads inside a package,
	// oversized lengths, unknown kinds or a missing terminator.
	ErrProtocol = errors.New("protocol error")

	// ErrPayloadTooLarge is returned by Send for payloads over MaxPayload.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrInvalidPayload is returned by Send for payloads holding a NUL byte.
	ErrInvalidPayload = errors.New("payload contains NUL byte")
)

// Encode returns the wire form of p.
//
//nolint:gosec // G115: payload length bounded by MaxPayload check
func Encode(p Package) ([]byte, error) {
	if !p.Kind.valid() {
		return nil, fmt.Errorf("encode %s: %w", p.Kind, ErrProtocol)
	}
	if strings.IndexByte(p.Payload, 0) >= 0 {
		return nil, ErrInvalidPayload
	}
	n := len(p.Payload) + 1
	if n > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+n)
	buf[0] = byte(p.Kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(n))
	copy(buf[HeaderSize:], p.Payload)
	// buf[len(buf)-1] is already the terminator.
	return buf, nil
}

// Send writes p to w, retrying short writes until the whole package is out
// or w reports an error.
func Send(w io.Writer, p Package) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return fmt.Errorf("send %s: %w", p.Kind, err)
		}
		if n == 0 {
			return fmt.Errorf("send %s: %w", p.Kind, io.ErrShortWrite)
		}
		buf = buf[n:]
	}
	return nil
}

// Receive reads one package from r. Payload lengths above maxSize are a
// protocol error; maxSize <= 0 or above MaxPayload means MaxPayload.
// No partial package is ever returned.
func Receive(r io.Reader, maxSize int) (Package, error) {
	if maxSize <= 0 || maxSize > MaxPayload {
		maxSize = MaxPayload
	}

	var header [HeaderSize]byte
	if n, err := io.ReadFull(r, header[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Package{}, ErrReset
		}
		return Package{}, readErr("header", err)
	}

	kind := Kind(header[0])
	if !kind.valid() {
		return Package{}, fmt.Errorf("unknown kind 0x%02x: %w", header[0], ErrProtocol)
	}
	length := int(binary.BigEndian.Uint16(header[1:3]))
	if length > maxSize {
		return Package{}, fmt.Errorf("payload length %d exceeds %d: %w", length, maxSize, ErrProtocol)
	}
	if length == 0 {
		return Package{Kind: kind}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Package{}, readErr("payload", err)
	}
	if payload[length-1] != 0 {
		return Package{}, fmt.Errorf("payload not NUL-terminated: %w", ErrProtocol)
	}
	return Package{Kind: kind, Payload: string(payload[:length-1])}, nil
}

func readErr(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("short %s: %w", part, ErrProtocol)
	}
	return fmt.Errorf("read %s: %w", part, err)
}
