package mrtd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ebfe/scard"
)

// Connection wraps a PC/SC connection to a contactless reader.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
}

// ListReaders returns the names of the attached PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// resolveReader picks a reader by index or by a substring of its name.
func resolveReader(readers []string, selector string) (int, error) {
	if len(readers) == 0 {
		return 0, errors.New("no readers found")
	}
	if selector == "" {
		return 0, nil
	}
	if v, err := strconv.Atoi(selector); err == nil {
		if v < 0 || v >= len(readers) {
			return 0, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
		}
		return v, nil
	}
	for i, r := range readers {
		if strings.Contains(r, selector) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("reader name not found (%s)", selector)
}

// WaitForCard blocks until a card is present on the selected reader and
// connects to it. selector is a reader index or a name substring; empty
// selects the first reader.
//
// Parameters:
//   - ctx: cancels the wait
//   - selector: reader index ("0") or name substring ("ACS")
//
// Returns:
//   - Connection to the presented card
//   - Error if no reader matches, PC/SC fails or ctx is done
func WaitForCard(ctx context.Context, selector string) (*Connection, error) {
	sctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	readers, err := sctx.ListReaders()
	if err != nil {
		sctx.Release()
		return nil, fmt.Errorf("no readers found: %w", err)
	}
	idx, err := resolveReader(readers, selector)
	if err != nil {
		sctx.Release()
		return nil, err
	}
	reader := readers[idx]

	states := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	for {
		if err := ctx.Err(); err != nil {
			sctx.Release()
			return nil, err
		}
		if err := sctx.GetStatusChange(states, time.Second); err != nil {
			if err == scard.ErrTimeout {
				continue
			}
			sctx.Release()
			return nil, fmt.Errorf("GetStatusChange failed: %w", err)
		}
		if states[0].EventState&scard.StatePresent != 0 {
			break
		}
		states[0].CurrentState = states[0].EventState
	}

	card, err := sctx.Connect(reader, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		sctx.Release()
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	return &Connection{ctx: sctx, Card: card, Reader: reader, ReaderIdx: idx}, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.ResetCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// Transmit sends a raw APDU to the card (implements Card).
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.Card.Transmit(apdu)
}
