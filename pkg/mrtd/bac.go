package mrtd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/skythen/apdu"
)

// PerformBAC runs Basic Access Control (GET CHALLENGE, MUTUAL AUTHENTICATE)
// and returns a 3DES session. The applet must already be selected.
//
// Parameters:
//   - seed: validated MRZ access key fields
//   - rnd: source of RND.IFD and K.IFD; nil selects crypto/rand
//
// Returns:
//   - Session with SSC = RND.IC[4:8] || RND.IFD[4:8]
//   - ReadError of KindAuthentication when the chip rejects the keys
func PerformBAC(ctx context.Context, t *Transport, seed BACSeed, rnd io.Reader) (*Session, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	kseed := seed.KeySeed()
	kenc := DeriveKey(kseed, Suite3DES, 1)
	kmac := DeriveKey(kseed, Suite3DES, 2)

	rndIC, err := command(ctx, t, nil, apdu.Capdu{Cla: 0x00, Ins: 0x84, Ne: 8})
	if err != nil {
		return nil, classify(KindAuthentication, "bac.get_challenge", err)
	}
	if len(rndIC) != 8 {
		return nil, &ReadError{Kind: KindAuthentication, Op: "bac.get_challenge",
			Err: fmt.Errorf("challenge is %d bytes", len(rndIC))}
	}

	rndIFD := make([]byte, 8)
	kIFD := make([]byte, 16)
	if _, err := io.ReadFull(rnd, rndIFD); err != nil {
		return nil, classify(KindAuthentication, "bac.random", err)
	}
	if _, err := io.ReadFull(rnd, kIFD); err != nil {
		return nil, classify(KindAuthentication, "bac.random", err)
	}

	s := make([]byte, 0, 32)
	s = append(s, rndIFD...)
	s = append(s, rndIC...)
	s = append(s, kIFD...)
	eIFD, err := Suite3DES.EncryptCBC(kenc, nil, s)
	if err != nil {
		return nil, classify(KindAuthentication, "bac.encrypt", err)
	}
	mIFD, err := Suite3DES.MAC(kmac, padISO9797M2(eIFD, 8))
	if err != nil {
		return nil, classify(KindAuthentication, "bac.mac", err)
	}

	resp, err := command(ctx, t, nil, apdu.Capdu{
		Cla:  0x00,
		Ins:  0x82,
		Data: append(eIFD, mIFD...),
		Ne:   40,
	})
	if err != nil {
		return nil, classify(KindAuthentication, "bac.mutual_authenticate", err)
	}
	if len(resp) != 40 {
		return nil, &ReadError{Kind: KindAuthentication, Op: "bac.mutual_authenticate",
			Err: fmt.Errorf("response is %d bytes", len(resp))}
	}

	mIC, err := Suite3DES.MAC(kmac, padISO9797M2(resp[:32], 8))
	if err != nil {
		return nil, classify(KindAuthentication, "bac.mac", err)
	}
	if subtle.ConstantTimeCompare(mIC, resp[32:]) != 1 {
		return nil, &ReadError{Kind: KindAuthentication, Op: "bac.mutual_authenticate",
			Err: fmt.Errorf("%w: chip cryptogram MAC mismatch", ErrIntegrity)}
	}
	r, err := Suite3DES.DecryptCBC(kenc, nil, resp[:32])
	if err != nil {
		return nil, classify(KindAuthentication, "bac.decrypt", err)
	}
	if !bytes.Equal(r[0:8], rndIC) || !bytes.Equal(r[8:16], rndIFD) {
		return nil, &ReadError{Kind: KindAuthentication, Op: "bac.mutual_authenticate",
			Err: fmt.Errorf("chip echoed wrong nonces")}
	}

	kseedSession := make([]byte, 16)
	xorBlock(kseedSession, kIFD, r[16:32])
	ssc := append(append([]byte(nil), rndIC[4:8]...), rndIFD[4:8]...)

	sess, err := NewSession(ProtocolBAC, Suite3DES,
		DeriveKey(kseedSession, Suite3DES, 1),
		DeriveKey(kseedSession, Suite3DES, 2),
		ssc)
	if err != nil {
		return nil, classify(KindAuthentication, "bac.session", err)
	}
	t.logger.Debug("session established",
		"protocol", ProtocolBAC.String(),
		"suite", Suite3DES.String(),
		"ssc", strings.ToUpper(hex.EncodeToString(ssc)))
	return sess, nil
}
