package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind discriminates requests from responses on the wire.
type Kind uint8

const (
	KindRequest  Kind = 0
	KindResponse Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HeaderSize is the fixed frame header: kind u8, type u16, tx_id u32, length u32.
const HeaderSize = 1 + 2 + 4 + 4

// DefaultMaxPayload bounds the payload a peer may announce.
const DefaultMaxPayload = 64 * 1024

// Frame is the atomic unit exchanged on a control connection.
type Frame struct {
	Kind    Kind
	Type    Type
	TxID    uint32
	Payload []byte
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(hdr[1:3], uint16(f.Type))
	binary.BigEndian.PutUint32(hdr[3:7], f.TxID)
	binary.BigEndian.PutUint32(hdr[7:11], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// WriteFrame writes header and payload with a single Write call so a frame is
// never split between concurrent writers sharing w.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f))
	return err
}

// ReadFrame reads exactly one frame. A stream that ends cleanly before the
// first header byte yields io.EOF; a stream that ends anywhere inside a frame
// yields ErrTruncatedFrame. maxPayload of zero means DefaultMaxPayload.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}
	f := Frame{
		Kind: Kind(hdr[0]),
		Type: Type(binary.BigEndian.Uint16(hdr[1:3])),
		TxID: binary.BigEndian.Uint32(hdr[3:7]),
	}
	if f.Kind != KindRequest && f.Kind != KindResponse {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidKind, hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[7:11])
	if n > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxPayload)
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}
	return f, nil
}
