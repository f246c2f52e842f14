package mrtd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/skythen/apdu"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// ErrUnsupportedPACE is returned for PACE variants this reader cannot run.
// Only generic mapping with standardized domain parameters is implemented.
var ErrUnsupportedPACE = errors.New("unsupported PACE variant")

// paceReference is the MRZ password reference in MSE:Set AT.
const paceReference = 0x01

// suiteFromProtocol reads the cipher from the last arc of a PACE or CA
// protocol OID: 1 = 3DES, 2..4 = AES-128/192/256.
func suiteFromProtocol(oid asn1.ObjectIdentifier) (CipherSuite, error) {
	if len(oid) == 0 {
		return 0, fmt.Errorf("empty protocol identifier")
	}
	switch oid[len(oid)-1] {
	case 1:
		return Suite3DES, nil
	case 2:
		return SuiteAES128, nil
	case 3:
		return SuiteAES192, nil
	case 4:
		return SuiteAES256, nil
	}
	return 0, fmt.Errorf("unknown cipher in protocol %v", oid)
}

// PACESupported reports whether PerformPACE can run info.
func PACESupported(info lds.PACEInfo) bool {
	return checkPACE(info) == nil
}

func checkPACE(info lds.PACEInfo) error {
	if !lds.HasPrefix(info.Protocol, lds.OIDPACEECDHGM) && !lds.HasPrefix(info.Protocol, lds.OIDPACEDHGM) {
		return fmt.Errorf("%w: %v", ErrUnsupportedPACE, info.Protocol)
	}
	if !info.HasParameterID {
		return fmt.Errorf("%w: explicit domain parameters", ErrUnsupportedPACE)
	}
	if _, err := suiteFromProtocol(info.Protocol); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedPACE, err)
	}
	if _, err := ecc.StandardGroup(info.ParameterID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedPACE, err)
	}
	return nil
}

// PerformPACE runs PACE generic mapping with the MRZ password and returns a
// session with the counter at zero. It is started before the applet is
// selected.
//
// The four GENERAL AUTHENTICATE steps are:
//
//	1. 7C{}            → 7C{80 encrypted nonce}
//	2. 7C{81 PK_map}   → 7C{82 PK_map chip}
//	3. 7C{83 PK_eph}   → 7C{84 PK_eph chip}
//	4. 7C{85 token}    → 7C{86 token chip}
func PerformPACE(ctx context.Context, t *Transport, seed BACSeed, info lds.PACEInfo, rnd io.Reader) (*Session, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if err := checkPACE(info); err != nil {
		return nil, &ReadError{Kind: KindAuthentication, Op: "pace.select", Err: err}
	}
	suite, _ := suiteFromProtocol(info.Protocol)
	group, _ := ecc.StandardGroup(info.ParameterID)

	oidDER, err := asn1.Marshal(info.Protocol)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.select", err)
	}
	setAT := tlv.Encode(0x80, oidDER[2:])
	setAT = append(setAT, tlv.Encode(0x83, []byte{paceReference})...)
	setAT = append(setAT, tlv.Encode(0x84, []byte{byte(info.ParameterID)})...)
	if _, err := command(ctx, t, nil, apdu.Capdu{Cla: 0x00, Ins: 0x22, P1: 0xC1, P2: 0xA4, Data: setAT}); err != nil {
		return nil, classify(KindAuthentication, "pace.mse_set_at", err)
	}

	// Step 1: decrypt the nonce with K_pi.
	resp, err := generalAuthenticate(ctx, t, nil, true, nil)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.nonce", err)
	}
	z, ok := resp.Get(0x80)
	if !ok {
		return nil, paceErr("pace.nonce", "encrypted nonce missing")
	}
	kpi := DeriveKey(seed.password(), suite, 3)
	nonce, err := suite.DecryptCBC(kpi, nil, z.Value)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.nonce", err)
	}

	// Step 2: generic mapping.
	mapPriv, mapPub, err := group.GenerateKey(rnd)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.map", err)
	}
	resp, err = generalAuthenticate(ctx, t, nil, true, tlv.Encode(0x81, mapPub))
	if err != nil {
		return nil, classify(KindAuthentication, "pace.map", err)
	}
	chipMap, ok := resp.Get(0x82)
	if !ok {
		return nil, paceErr("pace.map", "chip mapping key missing")
	}
	h, err := group.Agree(mapPriv, chipMap.Value)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.map", err)
	}
	mapped, err := group.Map(new(big.Int).SetBytes(nonce), h)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.map", err)
	}

	// Step 3: ephemeral key agreement on the mapped generator.
	ephPriv, ephPub, err := mapped.GenerateKey(rnd)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.agree", err)
	}
	resp, err = generalAuthenticate(ctx, t, nil, true, tlv.Encode(0x83, ephPub))
	if err != nil {
		return nil, classify(KindAuthentication, "pace.agree", err)
	}
	chipEph, ok := resp.Get(0x84)
	if !ok {
		return nil, paceErr("pace.agree", "chip ephemeral key missing")
	}
	if bytes.Equal(chipEph.Value, ephPub) {
		return nil, paceErr("pace.agree", "chip echoed our ephemeral key")
	}
	secret, err := mapped.SharedSecret(ephPriv, chipEph.Value)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.agree", err)
	}
	kenc := DeriveKey(secret, suite, 1)
	kmac := DeriveKey(secret, suite, 2)

	// Step 4: mutual authentication tokens.
	token, err := AuthenticationToken(suite, kmac, info.Protocol, group.PublicKeyTag(), chipEph.Value)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.token", err)
	}
	resp, err = generalAuthenticate(ctx, t, nil, false, tlv.Encode(0x85, token))
	if err != nil {
		return nil, classify(KindAuthentication, "pace.token", err)
	}
	chipToken, ok := resp.Get(0x86)
	if !ok {
		return nil, paceErr("pace.token", "chip token missing")
	}
	want, err := AuthenticationToken(suite, kmac, info.Protocol, group.PublicKeyTag(), ephPub)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.token", err)
	}
	if subtle.ConstantTimeCompare(want, chipToken.Value) != 1 {
		return nil, &ReadError{Kind: KindAuthentication, Op: "pace.token",
			Err: fmt.Errorf("%w: chip token mismatch", ErrIntegrity)}
	}

	sess, err := NewSession(ProtocolPACE, suite, kenc, kmac, nil)
	if err != nil {
		return nil, classify(KindAuthentication, "pace.session", err)
	}
	t.logger.Debug("session established",
		"protocol", ProtocolPACE.String(),
		"suite", suite.String(),
		"group", group.String())
	return sess, nil
}

func paceErr(op, msg string) error {
	return &ReadError{Kind: KindAuthentication, Op: op, Err: errors.New(msg)}
}

// generalAuthenticate sends one GENERAL AUTHENTICATE step wrapped in a 7C
// dynamic authentication data object and returns the response's children.
func generalAuthenticate(ctx context.Context, t *Transport, sess *Session, chained bool, data []byte) (tlv.Objects, error) {
	cla := byte(0x00)
	if chained {
		cla = 0x10
	}
	resp, err := command(ctx, t, sess, apdu.Capdu{
		Cla:  cla,
		Ins:  0x86,
		Data: tlv.Encode(0x7C, data),
		Ne:   apdu.MaxLenResponseDataStandard,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	outer, err := tlv.DecodeExact(resp, 0x7C)
	if err != nil {
		return nil, err
	}
	return tlv.DecodeAll(outer.Value)
}

// AuthenticationToken is the PACE token: a MAC over the public key data
// object 7F49{06 protocol OID, tag public key} of the peer's key.
func AuthenticationToken(suite CipherSuite, kmac []byte, protocol asn1.ObjectIdentifier, keyTag uint32, peerPub []byte) ([]byte, error) {
	oidDER, err := asn1.Marshal(protocol)
	if err != nil {
		return nil, err
	}
	data := tlv.EncodeConstructed(0x7F49, oidDER, tlv.Encode(keyTag, peerPub))
	if suite == Suite3DES {
		data = padISO9797M2(data, suite.BlockSize())
	}
	return suite.MAC(kmac, data)
}
