package mrtd

import (
	"context"
	"io"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// Establish opens a secure channel with the chip. PACE is tried first when
// EF.CardAccess advertises a variant this package supports; any PACE failure
// other than a transport error falls back to BAC. On return the eMRTD
// application is selected.
func Establish(ctx context.Context, t *Transport, seed BACSeed, rnd io.Reader) (*Session, error) {
	if err := seed.Validate(); err != nil {
		return nil, &ReadError{Kind: KindAuthentication, Op: "seed", Err: err}
	}

	infos, err := readCardAccess(ctx, t)
	if err != nil {
		if IsTransportError(err) {
			return nil, err
		}
		t.logger.Debug("no usable EF.CardAccess, using BAC", "error", err)
	}

	if infos != nil {
		for _, info := range infos.PACE {
			if !PACESupported(info) {
				t.logger.Debug("skipping PACE variant", "protocol", info.Protocol.String(), "parameter_id", info.ParameterID)
				continue
			}
			sess, err := PerformPACE(ctx, t, seed, info, rnd)
			if err == nil {
				if err := selectApplet(ctx, t, sess); err != nil {
					return nil, err
				}
				return sess, nil
			}
			if IsTransportError(err) {
				return nil, err
			}
			t.logger.Warn("PACE failed, falling back to BAC", "protocol", info.Protocol.String(), "error", err)
			break
		}
	}

	if err := selectApplet(ctx, t, nil); err != nil {
		return nil, err
	}
	return PerformBAC(ctx, t, seed, rnd)
}

// readCardAccess reads EF.CardAccess from the master file without secure
// messaging.
func readCardAccess(ctx context.Context, t *Transport) (*lds.SecurityInfos, error) {
	raw, err := ReadFile(ctx, t, nil, lds.FIDCardAccess, DefaultMaxBlockSize)
	if err != nil {
		return nil, err
	}
	return lds.ParseCardAccess(raw)
}

func selectApplet(ctx context.Context, t *Transport, sess *Session) error {
	err := SelectApplet(ctx, t, sess)
	if err == nil {
		return nil
	}
	return classify(KindAuthentication, "select.applet", err)
}
