package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type MessageType uint8

const (
	MessageTypeHello MessageType = iota + 1
	MessageTypeData
)

const (
	frameHeaderSize = 3
	MaxPayloadSize  = math.MaxUint16
)

// Envelope is one frame on a TCP link: type(1) | length(2) | payload.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

func NewEnvelope(t MessageType, payload []byte) Envelope {
	return Envelope{
		Type:    t,
		Payload: payload,
	}
}

// Clone copies the payload so the caller may reuse its buffer once a send returns.
func (e Envelope) Clone() Envelope {
	dup := make([]byte, len(e.Payload))
	copy(dup, e.Payload)
	e.Payload = dup
	return e
}

func WriteEnvelope(w io.Writer, env Envelope) error {
	if len(env.Payload) > MaxPayloadSize {
		return fmt.Errorf("p2p: payload of %d bytes exceeds %d", len(env.Payload), MaxPayloadSize)
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(env.Payload))
	buf[0] = byte(env.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(env.Payload)))
	buf = append(buf, env.Payload...)
	_, err := w.Write(buf)
	return err
}

func ReadEnvelope(r io.Reader) (Envelope, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint16(header[1:3])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}
	return Envelope{Type: MessageType(header[0]), Payload: payload}, nil
}
