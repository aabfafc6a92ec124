package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/pktlink/internal/protocol"
)

const (
	HeaderLen     = 5
	MaxPayloadLen = 255

	commandOffset    = 0
	reservedOffset   = 1
	sequenceOffset   = 2
	payloadLenOffset = 4
)

var (
	ErrNeedMoreData    = protocol.ErrNeedMoreData
	ErrPayloadTooLarge = protocol.ErrPayloadTooLarge
)

// Header is the fixed 5-byte wire header.
type Header struct {
	Command    uint8
	Reserved   uint8
	Sequence   uint16
	PayloadLen uint8
}

// Packet is one framed unit: header fields plus an opaque payload.
// The payload length on the wire is always len(Payload).
type Packet struct {
	Command  uint8
	Reserved uint8
	Sequence uint16
	Payload  []byte
}

// Header returns the wire header describing p. Callers must have checked
// the payload limit; PayloadLen is truncated otherwise.
func (p Packet) Header() Header {
	return Header{
		Command:    p.Command,
		Reserved:   p.Reserved,
		Sequence:   p.Sequence,
		PayloadLen: uint8(len(p.Payload)),
	}
}

// Len is the encoded size of p.
func (p Packet) Len() int {
	return HeaderLen + len(p.Payload)
}

func (p Packet) Validate() error {
	if len(p.Payload) > MaxPayloadLen {
		return fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, len(p.Payload), MaxPayloadLen)
	}
	return nil
}

// Clone returns a copy of p that shares no memory with it.
func (p Packet) Clone() Packet {
	out := p
	if p.Payload != nil {
		out.Payload = append([]byte(nil), p.Payload...)
	}
	return out
}

func (p Packet) String() string {
	return fmt.Sprintf("cmd=0x%02x rsv=0x%02x seq=0x%04x len=%d payload=%s",
		p.Command, p.Reserved, p.Sequence, len(p.Payload), hex.EncodeToString(p.Payload))
}

// Encode serializes p with the reserved byte forced to zero.
func Encode(p Packet) ([]byte, error) {
	p.Reserved = 0
	return AppendEncode(make([]byte, 0, p.Len()), p)
}

// EncodeRaw serializes p keeping p.Reserved as given.
func EncodeRaw(p Packet) ([]byte, error) {
	return AppendEncode(make([]byte, 0, p.Len()), p)
}

// AppendEncode appends the wire form of p to dst. The reserved byte is
// written exactly as p.Reserved; Encode is the zeroing entry point.
func AppendEncode(dst []byte, p Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return dst, err
	}
	dst = append(dst, EncodeHeader(p.Header())...)
	return append(dst, p.Payload...), nil
}

// Decode parses one packet from the front of buf and reports how many bytes
// it occupied. ErrNeedMoreData means buf holds only a prefix of a packet.
// The returned payload is copied and never aliases buf.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) < HeaderLen {
		return Packet{}, 0, ErrNeedMoreData
	}
	h, err := DecodeHeader(buf[:HeaderLen])
	if err != nil {
		return Packet{}, 0, err
	}
	total := HeaderLen + int(h.PayloadLen)
	if len(buf) < total {
		return Packet{}, 0, ErrNeedMoreData
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderLen:total])
	return Packet{
		Command:  h.Command,
		Reserved: h.Reserved,
		Sequence: h.Sequence,
		Payload:  payload,
	}, total, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[commandOffset] = h.Command
	buf[reservedOffset] = h.Reserved
	binary.LittleEndian.PutUint16(buf[sequenceOffset:payloadLenOffset], h.Sequence)
	buf[payloadLenOffset] = h.PayloadLen
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return Header{
		Command:    b[commandOffset],
		Reserved:   b[reservedOffset],
		Sequence:   binary.LittleEndian.Uint16(b[sequenceOffset:payloadLenOffset]),
		PayloadLen: b[payloadLenOffset],
	}, nil
}

// ReadPacket blocks until one full packet has been read from r.
// A clean io.EOF before the first header byte is returned unchanged.
func ReadPacket(r io.Reader) (Packet, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, fmt.Errorf("%w: short header", protocol.ErrStreamClosed)
		}
		return Packet{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Packet{}, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Packet{}, fmt.Errorf("%w: short payload", protocol.ErrStreamClosed)
			}
			return Packet{}, err
		}
	}
	return Packet{
		Command:  h.Command,
		Reserved: h.Reserved,
		Sequence: h.Sequence,
		Payload:  payload,
	}, nil
}

// WritePacket encodes p (reserved zeroed) and writes all of it to w.
func WritePacket(w io.Writer, p Packet) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	return WriteFull(w, b)
}

// WriteFull writes b to w, retrying short writes until b is drained or w
// reports an error.
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.ErrShortWrite) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
