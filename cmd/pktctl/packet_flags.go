package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/spf13/cobra"
)

// packetFlags holds the packet-building flags shared by send and encode.
type packetFlags struct {
	command  string
	sequence string
	payload  string
	reserved string
}

func (f *packetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.command, "command", "", "command byte, e.g. 0x1b or 27 (required)")
	cmd.Flags().StringVar(&f.sequence, "sequence", "0", "sequence/correlation id (0-65535)")
	cmd.Flags().StringVar(&f.payload, "payload", "", "payload as hex, e.g. 01020304 or \"01 02 03 04\"")
	cmd.Flags().StringVar(&f.reserved, "reserved", "", "override the reserved byte (normally sent as 0)")
	_ = cmd.MarkFlagRequired("command")
}

// build returns the packet and whether the reserved byte was overridden.
func (f *packetFlags) build() (frame.Packet, bool, error) {
	command, err := parseUint(f.command, 8)
	if err != nil {
		return frame.Packet{}, false, fmt.Errorf("parse --command: %w", err)
	}
	sequence, err := parseUint(f.sequence, 16)
	if err != nil {
		return frame.Packet{}, false, fmt.Errorf("parse --sequence: %w", err)
	}
	payload, err := parseHexBytes(f.payload)
	if err != nil {
		return frame.Packet{}, false, fmt.Errorf("parse --payload: %w", err)
	}
	p := frame.Packet{
		Command:  uint8(command),
		Sequence: uint16(sequence),
		Payload:  payload,
	}
	if err := p.Validate(); err != nil {
		return frame.Packet{}, false, err
	}
	if strings.TrimSpace(f.reserved) == "" {
		return p, false, nil
	}
	reserved, err := parseUint(f.reserved, 8)
	if err != nil {
		return frame.Packet{}, false, fmt.Errorf("parse --reserved: %w", err)
	}
	p.Reserved = uint8(reserved)
	return p, true, nil
}

// parseUint accepts decimal, 0x hex, 0o octal and 0b binary forms.
func parseUint(raw string, bits int) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseUint(raw, 0, bits)
}

// parseHexBytes decodes hex split by spaces, colons or dashes. Each token
// may carry its own 0x prefix, so "0x0102" and "0x01 0x02" are equal.
func parseHexBytes(raw string) ([]byte, error) {
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ' ', ':', '-', '\t', '\n', '\r', ',':
			return true
		}
		return false
	})
	var cleaned strings.Builder
	for _, tok := range tokens {
		tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
		cleaned.WriteString(tok)
	}
	if cleaned.Len() == 0 {
		return []byte{}, nil
	}
	return hex.DecodeString(cleaned.String())
}
