package mrtd

import (
	"context"
	"errors"
	"fmt"

	"github.com/skythen/apdu"

	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
)

// AIDeMRTD is the ICAO LDS1 eMRTD application identifier.
var AIDeMRTD = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

// DefaultMaxBlockSize is the largest READ BINARY chunk requested. It keeps a
// protected AES response within a short APDU.
const DefaultMaxBlockSize = 0xDF

// maxOffset is the largest offset READ BINARY with even INS can address.
const maxOffset = 0x7FFF

// exchange sends cmd, protected by sess when non-nil.
func exchange(ctx context.Context, t *Transport, sess *Session, cmd apdu.Capdu) (apdu.Rapdu, error) {
	if sess == nil {
		return t.Exchange(ctx, cmd)
	}
	wrapped, err := sess.Wrap(cmd)
	if err != nil {
		return apdu.Rapdu{}, classify(KindAuthentication, "sm.wrap", err)
	}
	resp, err := t.Exchange(ctx, wrapped)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	return sess.Unwrap(resp)
}

// command runs cmd and turns a non-9000 status into an SWError.
func command(ctx context.Context, t *Transport, sess *Session, cmd apdu.Capdu) ([]byte, error) {
	resp, err := exchange(ctx, t, sess, cmd)
	if err != nil {
		return nil, err
	}
	if sw := StatusWord(resp); sw != SWSuccess {
		return nil, &SWError{Cmd: cmd.Ins, SW: sw}
	}
	return resp.Data, nil
}

// SelectApplet selects the eMRTD application.
func SelectApplet(ctx context.Context, t *Transport, sess *Session) error {
	_, err := command(ctx, t, sess, apdu.Capdu{
		Cla:  0x00,
		Ins:  0xA4,
		P1:   0x04,
		P2:   0x0C,
		Data: AIDeMRTD,
	})
	return err
}

// SelectFile selects an elementary file by identifier under the current DF.
func SelectFile(ctx context.Context, t *Transport, sess *Session, fid uint16) error {
	_, err := command(ctx, t, sess, apdu.Capdu{
		Cla:  0x00,
		Ins:  0xA4,
		P1:   0x02,
		P2:   0x0C,
		Data: []byte{byte(fid >> 8), byte(fid)},
	})
	return err
}

func readBinary(ctx context.Context, t *Transport, sess *Session, offset, n int) ([]byte, error) {
	if offset > maxOffset {
		return nil, fmt.Errorf("READ BINARY offset %d beyond %d", offset, maxOffset)
	}
	resp, err := exchange(ctx, t, sess, apdu.Capdu{
		Cla: 0x00,
		Ins: 0xB0,
		P1:  byte(offset >> 8),
		P2:  byte(offset),
		Ne:  n,
	})
	if err != nil {
		return nil, err
	}
	switch sw := StatusWord(resp); sw {
	case SWSuccess, SWEndOfFile:
		return resp.Data, nil
	default:
		return nil, &SWError{Cmd: 0xB0, SW: sw}
	}
}

// ReadFile selects fid and reads it whole. The length comes from the
// file's outer TLV header; reading stops at that length. A chip that runs
// out of data before it is reached yields an error, as does a header whose
// length even-INS READ BINARY cannot reach.
func ReadFile(ctx context.Context, t *Transport, sess *Session, fid uint16, maxBlock int) ([]byte, error) {
	if maxBlock <= 0 || maxBlock > DefaultMaxBlockSize {
		maxBlock = DefaultMaxBlockSize
	}
	if err := SelectFile(ctx, t, sess, fid); err != nil {
		return nil, err
	}

	head, err := readBinary(ctx, t, sess, 0, 8)
	if err != nil {
		return nil, err
	}
	_, hl, vl, err := tlv.Header(head)
	if err != nil {
		return nil, fmt.Errorf("file %04X header: %w", fid, err)
	}
	total := hl + vl
	if vl < 0 || total > maxOffset+maxBlock {
		return nil, fmt.Errorf("file %04X: %w: declares %d bytes", fid, errFileTooLarge, vl)
	}
	buf := append([]byte(nil), head[:min(len(head), total)]...)

	for len(buf) < total {
		n := min(maxBlock, total-len(buf))
		chunk, err := readBinary(ctx, t, sess, len(buf), n)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		buf = append(buf, chunk[:min(len(chunk), total-len(buf))]...)
	}
	if len(buf) < total {
		return nil, fmt.Errorf("file %04X: %w: read %d of %d bytes", fid, errTruncatedFile, len(buf), total)
	}
	return buf, nil
}

var (
	errTruncatedFile = errors.New("file shorter than its declared length")
	errFileTooLarge  = errors.New("declared length beyond the READ BINARY offset range")
)
