package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEncoding        = errors.New("protocol: encoding error")
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrEncoding)
	ErrNeedMoreData    = errors.New("protocol: need more data")
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	ErrConnect         = errors.New("protocol: connect failed")
	ErrWrite           = errors.New("protocol: write failed")
	ErrStreamClosed    = errors.New("protocol: stream closed")
	ErrTimedOut        = errors.New("protocol: timed out")
	ErrNotConnected    = errors.New("protocol: not connected")
	ErrInvalidState    = errors.New("protocol: invalid state transition")
)
