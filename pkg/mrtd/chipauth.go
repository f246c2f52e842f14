package mrtd

import (
	"context"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"io"

	"github.com/skythen/apdu"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// ErrNoChipAuthKey is returned when DG14 holds no usable id-PK-ECDH key.
var ErrNoChipAuthKey = errors.New("DG14 has no usable chip authentication key")

// oidCAECDH is the id-CA-ECDH arc the ECDH chip authentication protocols
// live under.
var oidCAECDH = append(append(asn1.ObjectIdentifier(nil), lds.OIDCA...), 2)

// chipAuthTarget is a DG14 key paired with the protocol to run it with.
type chipAuthTarget struct {
	key      lds.ChipAuthenticationPublicKeyInfo
	protocol asn1.ObjectIdentifier
	suite    CipherSuite
}

// selectChipAuthKey picks the first ECDH key on a known curve. Its protocol
// comes from the ChipAuthenticationInfo with the same key id, or the first
// ECDH one when the key has none, and defaults to id-CA-ECDH-AES-CBC-CMAC-256.
func selectChipAuthKey(infos *lds.SecurityInfos) (chipAuthTarget, error) {
	if infos == nil {
		return chipAuthTarget{}, ErrNoChipAuthKey
	}
	for _, key := range infos.ChipAuthKeys {
		if !key.Protocol.Equal(lds.OIDPKECDH) || key.Curve == nil {
			continue
		}
		protocol := lds.OIDCAECDHAES256
		for _, ci := range infos.ChipAuthentication {
			if !lds.HasPrefix(ci.Protocol, oidCAECDH) {
				continue
			}
			if key.HasKeyID && (!ci.HasKeyID || ci.KeyID != key.KeyID) {
				continue
			}
			protocol = ci.Protocol
			break
		}
		suite, err := suiteFromProtocol(protocol)
		if err != nil {
			continue
		}
		return chipAuthTarget{key: key, protocol: protocol, suite: suite}, nil
	}
	return chipAuthTarget{}, ErrNoChipAuthKey
}

// ChipAuthenticate runs chip authentication against the static key in DG14
// and returns the session that replaces sess. The key agreement commands
// travel under sess; the new session starts with its counter at zero.
//
// On error the caller keeps using sess unless it is Broken or the error is a
// transport error.
func ChipAuthenticate(ctx context.Context, t *Transport, sess *Session, dg14 *lds.DG14, rnd io.Reader) (*Session, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if dg14 == nil {
		return nil, &ReadError{Kind: KindAuthentication, Op: "ca.select_key", Err: ErrNoChipAuthKey}
	}
	target, err := selectChipAuthKey(dg14.SecurityInfos)
	if err != nil {
		return nil, &ReadError{Kind: KindAuthentication, Op: "ca.select_key", Err: err}
	}

	group := ecc.CurveGroup(target.key.Curve)
	priv, pub, err := group.GenerateKey(rnd)
	if err != nil {
		return nil, classify(KindAuthentication, "ca.generate", err)
	}
	secret, err := group.SharedSecret(priv, target.key.PublicKey)
	if err != nil {
		return nil, classify(KindAuthentication, "ca.agree", err)
	}

	var keyRef []byte
	if target.key.HasKeyID {
		keyRef = tlv.Encode(0x84, []byte{byte(target.key.KeyID)})
	}

	if target.suite == Suite3DES {
		// MSE:Set KAT carries the ephemeral key directly.
		data := append(tlv.Encode(0x91, pub), keyRef...)
		if _, err := command(ctx, t, sess, apdu.Capdu{Cla: 0x00, Ins: 0x22, P1: 0x41, P2: 0xA6, Data: data}); err != nil {
			return nil, classify(KindAuthentication, "ca.mse_set_kat", err)
		}
	} else {
		oidDER, err := asn1.Marshal(target.protocol)
		if err != nil {
			return nil, classify(KindAuthentication, "ca.mse_set_at", err)
		}
		data := append(tlv.Encode(0x80, oidDER[2:]), keyRef...)
		if _, err := command(ctx, t, sess, apdu.Capdu{Cla: 0x00, Ins: 0x22, P1: 0x41, P2: 0xA4, Data: data}); err != nil {
			return nil, classify(KindAuthentication, "ca.mse_set_at", err)
		}
		if _, err := generalAuthenticate(ctx, t, sess, false, tlv.Encode(0x80, pub)); err != nil {
			return nil, classify(KindAuthentication, "ca.general_authenticate", err)
		}
	}

	next, err := NewSession(ProtocolChipAuthentication, target.suite,
		DeriveKey(secret, target.suite, 1),
		DeriveKey(secret, target.suite, 2),
		nil)
	if err != nil {
		return nil, classify(KindAuthentication, "ca.session", err)
	}
	t.logger.Debug("session established",
		"protocol", ProtocolChipAuthentication.String(),
		"suite", target.suite.String(),
		"curve", target.key.Curve.Name)
	return next, nil
}
