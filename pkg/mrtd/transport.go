package mrtd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skythen/apdu"
	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds a single command/response exchange.
const DefaultTimeout = 10 * time.Second

// Transport serializes APDU exchanges with a chip. At most one exchange is in
// flight at any time, each exchange is bounded by a timeout, and once the chip
// is lost every later exchange fails with the same transport error.
type Transport struct {
	card    Card
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu   sync.Mutex
	lost error
}

// NewTransport wraps card. A zero timeout selects DefaultTimeout.
func NewTransport(card Card, timeout time.Duration, logger *slog.Logger) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		card:    card,
		timeout: timeout,
		sem:     semaphore.NewWeighted(1),
		logger:  logger,
	}
}

// Exchange sends cmd and returns the chip's response. Status words 61xx and
// 6Cxx are resolved with GET RESPONSE and a resend respectively.
func (t *Transport) Exchange(ctx context.Context, cmd apdu.Capdu) (apdu.Rapdu, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return apdu.Rapdu{}, &ReadError{Kind: KindTransport, Op: "transmit", Err: err}
	}
	defer t.sem.Release(1)

	var data []byte
	for i := 0; i < maxFollowUps; i++ {
		resp, err := t.transmit(ctx, cmd)
		if err != nil {
			return apdu.Rapdu{}, err
		}
		data = append(data, resp.Data...)
		switch resp.SW1 {
		case 0x61:
			// GET RESPONSE on the same logical channel
			cmd = apdu.Capdu{Cla: cmd.Cla & 0x03, Ins: 0xC0, Ne: leToNe(resp.SW2)}
			continue
		case 0x6C:
			cmd.Ne = leToNe(resp.SW2)
			continue
		}
		resp.Data = data
		return resp, nil
	}
	return apdu.Rapdu{}, t.markLost(fmt.Errorf("chip kept requesting follow-up commands"))
}

const maxFollowUps = 32

func (t *Transport) transmit(ctx context.Context, cmd apdu.Capdu) (apdu.Rapdu, error) {
	t.mu.Lock()
	lost := t.lost
	t.mu.Unlock()
	if lost != nil {
		return apdu.Rapdu{}, lost
	}

	raw, err := EncodeCommand(cmd)
	if err != nil {
		return apdu.Rapdu{}, &ReadError{Kind: KindTransport, Op: "encode", Err: err}
	}

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.card.Transmit(raw)
		done <- result{resp, err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		res.err = fmt.Errorf("%w (%s)", ErrTimeout, t.timeout)
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		return apdu.Rapdu{}, t.markLost(res.err)
	}

	t.logger.Debug("apdu",
		"cmd", strings.ToUpper(hex.EncodeToString(raw)),
		"resp", strings.ToUpper(hex.EncodeToString(res.resp)))

	resp, err := DecodeResponse(res.resp)
	if err != nil {
		return apdu.Rapdu{}, t.markLost(err)
	}
	return resp, nil
}

func (t *Transport) markLost(cause error) error {
	err := &ReadError{Kind: KindTransport, Op: "transmit", Err: cause}
	t.mu.Lock()
	if t.lost == nil {
		t.lost = err
	}
	t.mu.Unlock()
	return err
}
