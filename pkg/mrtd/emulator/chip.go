package emulator

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/asn1"
	"errors"
	"io"
	"math/big"
	"sync"

	"github.com/skythen/apdu"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// ErrDetached is returned by Transmit once the chip has left the field.
var ErrDetached = errors.New("emulator: tag was lost")

// Chip answers reader APDUs for a Document. It implements mrtd.Card.
type Chip struct {
	doc  *Document
	rand io.Reader

	mu sync.Mutex

	// DetachOnSelect makes the chip leave the field when this file is
	// selected. Zero disables it.
	DetachOnSelect uint16
	// RejectChipAuth answers chip authentication with 6A80.
	RejectChipAuth bool
	// CorruptResponses flips a bit in the checksum of every protected
	// response.
	CorruptResponses bool

	detached bool
	applet   bool
	selected []byte
	sess     *mrtd.Session
	// next replaces sess after the current response is sent.
	next *mrtd.Session

	rndIC []byte
	pace  *paceState
	caOID []byte

	commands []apdu.Capdu
}

type paceState struct {
	suite   mrtd.CipherSuite
	oid     asn1.ObjectIdentifier
	group   ecc.Group
	nonce   []byte
	mapPriv *big.Int
	mapped  ecc.Group
	ephPub  []byte
	peerEph []byte
	kenc    []byte
	kmac    []byte
}

// NewChip returns a chip in the field holding doc. A nil rnd selects
// crypto/rand.
func NewChip(doc *Document, rnd io.Reader) *Chip {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Chip{doc: doc, rand: rnd}
}

// Commands returns the plain commands received so far.
func (c *Chip) Commands() []apdu.Capdu {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]apdu.Capdu(nil), c.commands...)
}

// Detach removes the chip from the field.
func (c *Chip) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// Transmit implements mrtd.Card.
func (c *Chip) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return nil, ErrDetached
	}
	cmd, err := mrtd.DecodeCommand(raw)
	if err != nil {
		return mrtd.EncodeResponse(mrtd.Status(mrtd.SWWrongLength)), nil
	}

	if cmd.Cla&0x0C != 0x0C {
		// A plain command ends any secure messaging session.
		c.sess = nil
		c.commands = append(c.commands, cmd)
		resp, err := c.handle(cmd)
		if err != nil {
			return nil, err
		}
		return mrtd.EncodeResponse(resp), nil
	}

	if c.sess == nil {
		return mrtd.EncodeResponse(mrtd.Status(mrtd.SWSMDataMissing)), nil
	}
	plain, err := c.sess.UnwrapCommand(cmd)
	if err != nil {
		c.sess = nil
		return mrtd.EncodeResponse(mrtd.Status(mrtd.SWSMDataIncorrect)), nil
	}
	c.commands = append(c.commands, plain)
	resp, err := c.handle(plain)
	if err != nil {
		return nil, err
	}
	wrapped, err := c.sess.WrapResponse(resp)
	if err != nil {
		return nil, err
	}
	if c.CorruptResponses && len(wrapped.Data) > 0 {
		wrapped.Data[len(wrapped.Data)-1] ^= 0x01
	}
	if c.next != nil {
		c.sess, c.next = c.next, nil
	}
	return mrtd.EncodeResponse(wrapped), nil
}

func (c *Chip) handle(cmd apdu.Capdu) (apdu.Rapdu, error) {
	switch cmd.Ins {
	case 0xA4:
		return c.selectFile(cmd)
	case 0xB0:
		return c.readBinary(cmd), nil
	case 0x84:
		return c.getChallenge(cmd), nil
	case 0x82:
		return c.mutualAuthenticate(cmd), nil
	case 0x22:
		return c.manageSecurityEnvironment(cmd), nil
	case 0x86:
		return c.generalAuthenticate(cmd), nil
	}
	return mrtd.Status(mrtd.SWInsNotSupported), nil
}

func (c *Chip) selectFile(cmd apdu.Capdu) (apdu.Rapdu, error) {
	switch cmd.P1 {
	case 0x04:
		if !bytes.Equal(cmd.Data, mrtd.AIDeMRTD) {
			return mrtd.Status(mrtd.SWFileNotFound), nil
		}
		c.applet = true
		c.selected = nil
		return mrtd.Status(mrtd.SWSuccess), nil
	case 0x02:
		if len(cmd.Data) != 2 {
			return mrtd.Status(mrtd.SWWrongLength), nil
		}
		fid := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
		if c.DetachOnSelect != 0 && fid == c.DetachOnSelect {
			c.detached = true
			return apdu.Rapdu{}, ErrDetached
		}
		data, ok := c.doc.Files[fid]
		if fid == lds.FIDCardAccess {
			if !ok {
				return mrtd.Status(mrtd.SWFileNotFound), nil
			}
			c.selected = data
			return mrtd.Status(mrtd.SWSuccess), nil
		}
		if !c.applet || c.sess == nil {
			return mrtd.Status(mrtd.SWSecurityNotSatisfied), nil
		}
		if !ok {
			return mrtd.Status(mrtd.SWFileNotFound), nil
		}
		c.selected = data
		return mrtd.Status(mrtd.SWSuccess), nil
	}
	return mrtd.Status(mrtd.SWWrongP1P2), nil
}

func (c *Chip) readBinary(cmd apdu.Capdu) apdu.Rapdu {
	if c.selected == nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	offset := int(cmd.P1)<<8 | int(cmd.P2)
	if offset > len(c.selected) {
		return mrtd.Status(mrtd.SWOffsetOutOfRange)
	}
	end := min(offset+cmd.Ne, len(c.selected))
	resp := apdu.Rapdu{Data: append([]byte(nil), c.selected[offset:end]...), SW1: 0x90}
	if end-offset < cmd.Ne {
		resp.SW1, resp.SW2 = 0x62, 0x82
	}
	return resp
}

func (c *Chip) getChallenge(cmd apdu.Capdu) apdu.Rapdu {
	if !c.applet || cmd.Ne != 8 {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	c.rndIC = make([]byte, 8)
	if _, err := io.ReadFull(c.rand, c.rndIC); err != nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	return apdu.Rapdu{Data: append([]byte(nil), c.rndIC...), SW1: 0x90}
}

// mutualAuthenticate is the chip half of BAC.
func (c *Chip) mutualAuthenticate(cmd apdu.Capdu) apdu.Rapdu {
	const swAuthFailed = 0x6300
	if c.rndIC == nil || len(cmd.Data) != 40 {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	rndIC := c.rndIC
	c.rndIC = nil

	kseed := c.doc.Seed.KeySeed()
	kenc := mrtd.DeriveKey(kseed, mrtd.Suite3DES, 1)
	kmac := mrtd.DeriveKey(kseed, mrtd.Suite3DES, 2)

	mac, err := mrtd.Suite3DES.MAC(kmac, pad(cmd.Data[:32], 8))
	if err != nil || subtle.ConstantTimeCompare(mac, cmd.Data[32:]) != 1 {
		return mrtd.Status(swAuthFailed)
	}
	s, err := mrtd.Suite3DES.DecryptCBC(kenc, nil, cmd.Data[:32])
	if err != nil || !bytes.Equal(s[8:16], rndIC) {
		return mrtd.Status(swAuthFailed)
	}
	rndIFD, kIFD := s[0:8], s[16:32]

	kIC := make([]byte, 16)
	if _, err := io.ReadFull(c.rand, kIC); err != nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	r := append(append(append([]byte(nil), rndIC...), rndIFD...), kIC...)
	eIC, err := mrtd.Suite3DES.EncryptCBC(kenc, nil, r)
	if err != nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	mIC, err := mrtd.Suite3DES.MAC(kmac, pad(eIC, 8))
	if err != nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}

	kseed2 := make([]byte, 16)
	for i := range kseed2 {
		kseed2[i] = kIFD[i] ^ kIC[i]
	}
	ssc := append(append([]byte(nil), rndIC[4:8]...), rndIFD[4:8]...)
	sess, err := mrtd.NewSession(mrtd.ProtocolBAC, mrtd.Suite3DES,
		mrtd.DeriveKey(kseed2, mrtd.Suite3DES, 1),
		mrtd.DeriveKey(kseed2, mrtd.Suite3DES, 2),
		ssc)
	if err != nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	c.sess = sess
	return apdu.Rapdu{Data: append(eIC, mIC...), SW1: 0x90}
}

func (c *Chip) manageSecurityEnvironment(cmd apdu.Capdu) apdu.Rapdu {
	objs, err := tlv.DecodeAll(cmd.Data)
	if err != nil {
		return mrtd.Status(mrtd.SWWrongData)
	}
	switch {
	case cmd.P1 == 0xC1 && cmd.P2 == 0xA4:
		return c.setPACE(objs)
	case cmd.P1 == 0x41 && (cmd.P2 == 0xA4 || cmd.P2 == 0xA6):
		if c.sess == nil || c.doc.chipKey == nil || c.RejectChipAuth {
			return mrtd.Status(mrtd.SWWrongData)
		}
		if cmd.P2 == 0xA6 {
			// MSE:Set KAT runs the whole 3DES key agreement.
			peer, ok := objs.Get(0x91)
			if !ok {
				return mrtd.Status(mrtd.SWWrongData)
			}
			return c.chipAuthenticate(mrtd.Suite3DES, peer.Value)
		}
		oid, ok := objs.Get(0x80)
		if !ok {
			return mrtd.Status(mrtd.SWWrongData)
		}
		c.caOID = oid.Value
		return mrtd.Status(mrtd.SWSuccess)
	}
	return mrtd.Status(mrtd.SWWrongP1P2)
}

func (c *Chip) setPACE(objs tlv.Objects) apdu.Rapdu {
	oidObj, ok := objs.Get(0x80)
	if !ok {
		return mrtd.Status(mrtd.SWWrongData)
	}
	want, _ := asn1.Marshal(c.doc.paceProtocol)
	if !bytes.Equal(oidObj.Value, want[2:]) {
		return mrtd.Status(mrtd.SWWrongData)
	}
	if id, ok := objs.Get(0x84); !ok || len(id.Value) != 1 || int(id.Value[0]) != c.doc.paceParameterID {
		return mrtd.Status(mrtd.SWWrongData)
	}
	group, err := ecc.StandardGroup(c.doc.paceParameterID)
	if err != nil {
		return mrtd.Status(mrtd.SWWrongData)
	}
	c.pace = &paceState{suite: suiteFor(oidObj.Value), oid: c.doc.paceProtocol, group: group}
	return mrtd.Status(mrtd.SWSuccess)
}

func (c *Chip) generalAuthenticate(cmd apdu.Capdu) apdu.Rapdu {
	outer, err := tlv.DecodeExact(cmd.Data, 0x7C)
	if err != nil {
		return mrtd.Status(mrtd.SWWrongData)
	}
	objs, err := tlv.DecodeAll(outer.Value)
	if err != nil {
		return mrtd.Status(mrtd.SWWrongData)
	}
	if c.sess != nil && c.caOID != nil {
		peer, ok := objs.Get(0x80)
		if !ok {
			return mrtd.Status(mrtd.SWWrongData)
		}
		suite := suiteFor(c.caOID)
		c.caOID = nil
		return c.chipAuthenticate(suite, peer.Value)
	}
	if c.pace != nil {
		return c.paceStep(objs)
	}
	return mrtd.Status(mrtd.SWConditionsNotSatisfied)
}

func (c *Chip) paceStep(objs tlv.Objects) apdu.Rapdu {
	const swAuthFailed = 0x6300
	p := c.pace
	group := p.group

	switch {
	case len(objs) == 0:
		p.nonce = make([]byte, p.suite.BlockSize())
		if _, err := io.ReadFull(c.rand, p.nonce); err != nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		pw := sha1.Sum([]byte(c.doc.Seed.MRZInformation()))
		kpi := mrtd.DeriveKey(pw[:], p.suite, 3)
		z, err := p.suite.EncryptCBC(kpi, nil, p.nonce)
		if err != nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		return dynamicAuthData(tlv.Encode(0x80, z))

	case has(objs, 0x81):
		peer, _ := objs.Get(0x81)
		priv, pub, err := group.GenerateKey(c.rand)
		if err != nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		h, err := group.Agree(priv, peer.Value)
		if err != nil {
			return mrtd.Status(mrtd.SWWrongData)
		}
		p.mapPriv = priv
		p.mapped, err = group.Map(new(big.Int).SetBytes(p.nonce), h)
		if err != nil {
			return mrtd.Status(mrtd.SWWrongData)
		}
		return dynamicAuthData(tlv.Encode(0x82, pub))

	case has(objs, 0x83):
		if p.mapped == nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		peer, _ := objs.Get(0x83)
		priv, pub, err := p.mapped.GenerateKey(c.rand)
		if err != nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		z, err := p.mapped.SharedSecret(priv, peer.Value)
		if err != nil {
			return mrtd.Status(mrtd.SWWrongData)
		}
		p.ephPub, p.peerEph = pub, peer.Value
		p.kenc = mrtd.DeriveKey(z, p.suite, 1)
		p.kmac = mrtd.DeriveKey(z, p.suite, 2)
		return dynamicAuthData(tlv.Encode(0x84, pub))

	case has(objs, 0x85):
		if p.kmac == nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		token, _ := objs.Get(0x85)
		want, err := mrtd.AuthenticationToken(p.suite, p.kmac, p.oid, group.PublicKeyTag(), p.ephPub)
		if err != nil || subtle.ConstantTimeCompare(want, token.Value) != 1 {
			c.pace = nil
			return mrtd.Status(swAuthFailed)
		}
		ours, err := mrtd.AuthenticationToken(p.suite, p.kmac, p.oid, group.PublicKeyTag(), p.peerEph)
		if err != nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		// The session starts after this response, which is sent plain.
		sess, err := mrtd.NewSession(mrtd.ProtocolPACE, p.suite, p.kenc, p.kmac, nil)
		if err != nil {
			return mrtd.Status(mrtd.SWConditionsNotSatisfied)
		}
		c.sess = sess
		c.pace = nil
		return dynamicAuthData(tlv.Encode(0x86, ours))
	}
	return mrtd.Status(mrtd.SWWrongData)
}

// suiteFor reads the cipher from the last arc of an encoded PACE or CA
// protocol identifier.
func suiteFor(oid []byte) mrtd.CipherSuite {
	if n := len(oid); n > 0 {
		switch oid[n-1] {
		case 1:
			return mrtd.Suite3DES
		case 3:
			return mrtd.SuiteAES192
		case 4:
			return mrtd.SuiteAES256
		}
	}
	return mrtd.SuiteAES128
}

// chipAuthenticate agrees on the reader's ephemeral key and schedules the
// switch to the new keys. The general authenticate form answers with an
// empty 7C; MSE:Set KAT answers with a bare status.
func (c *Chip) chipAuthenticate(suite mrtd.CipherSuite, peer []byte) apdu.Rapdu {
	z, err := ecc.CurveGroup(ecc.P256).SharedSecret(c.doc.chipKey, peer)
	if err != nil {
		return mrtd.Status(mrtd.SWWrongData)
	}
	next, err := mrtd.NewSession(mrtd.ProtocolChipAuthentication, suite,
		mrtd.DeriveKey(z, suite, 1), mrtd.DeriveKey(z, suite, 2), nil)
	if err != nil {
		return mrtd.Status(mrtd.SWConditionsNotSatisfied)
	}
	c.next = next
	if suite == mrtd.Suite3DES {
		return mrtd.Status(mrtd.SWSuccess)
	}
	return dynamicAuthData(nil)
}

func dynamicAuthData(content []byte) apdu.Rapdu {
	return apdu.Rapdu{Data: tlv.Encode(0x7C, content), SW1: 0x90}
}

func has(objs tlv.Objects, tag uint32) bool {
	_, ok := objs.Get(tag)
	return ok
}

// pad applies ISO/IEC 9797-1 padding method 2.
func pad(data []byte, blockSize int) []byte {
	out := append(append([]byte(nil), data...), 0x80)
	for len(out)%blockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}
