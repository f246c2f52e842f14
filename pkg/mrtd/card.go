package mrtd

import (
	"fmt"

	"github.com/skythen/apdu"
)

// Card abstracts card transmit behavior for real PC/SC readers and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// EncodeCommand serializes a short-form command APDU.
// Ne of MaxLenResponseDataStandard (256) is sent as Le=00.
func EncodeCommand(c apdu.Capdu) ([]byte, error) {
	if len(c.Data) > apdu.MaxLenCommandDataStandard {
		return nil, fmt.Errorf("APDU data too long: %d bytes", len(c.Data))
	}
	if c.Ne < 0 || c.Ne > apdu.MaxLenResponseDataStandard {
		return nil, fmt.Errorf("APDU Ne out of range: %d", c.Ne)
	}
	out := make([]byte, 0, 6+len(c.Data))
	out = append(out, c.Cla, c.Ins, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Ne > 0 {
		out = append(out, byte(c.Ne)) // 256 wraps to 0x00
	}
	return out, nil
}

// DecodeCommand parses a short-form command APDU (cases 1 to 4).
func DecodeCommand(b []byte) (apdu.Capdu, error) {
	if len(b) < 4 {
		return apdu.Capdu{}, fmt.Errorf("command APDU too short: %d bytes", len(b))
	}
	c := apdu.Capdu{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	body := b[4:]
	switch {
	case len(body) == 0:
		return c, nil
	case len(body) == 1:
		c.Ne = leToNe(body[0])
		return c, nil
	}
	lc := int(body[0])
	if lc == 0 {
		return apdu.Capdu{}, fmt.Errorf("extended length APDUs not supported")
	}
	switch len(body) {
	case 1 + lc:
		c.Data = append([]byte(nil), body[1:]...)
	case 2 + lc:
		c.Data = append([]byte(nil), body[1:1+lc]...)
		c.Ne = leToNe(body[1+lc])
	default:
		return apdu.Capdu{}, fmt.Errorf("command APDU length %d does not match Lc=%d", len(b), lc)
	}
	return c, nil
}

func leToNe(le byte) int {
	if le == 0 {
		return apdu.MaxLenResponseDataStandard
	}
	return int(le)
}

// DecodeResponse splits a raw response into data and status word.
func DecodeResponse(b []byte) (apdu.Rapdu, error) {
	if len(b) < 2 {
		return apdu.Rapdu{}, fmt.Errorf("short response: %d bytes", len(b))
	}
	return apdu.Rapdu{
		Data: append([]byte(nil), b[:len(b)-2]...),
		SW1:  b[len(b)-2],
		SW2:  b[len(b)-1],
	}, nil
}

// EncodeResponse serializes a response as data || SW1 SW2.
func EncodeResponse(r apdu.Rapdu) []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.SW1, r.SW2)
}

// StatusWord returns SW1 SW2 as a single value.
func StatusWord(r apdu.Rapdu) uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// Status builds a data-less response carrying sw.
func Status(sw uint16) apdu.Rapdu {
	return apdu.Rapdu{SW1: byte(sw >> 8), SW2: byte(sw)}
}
