package mrtd

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/skythen/apdu"

	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
)

// Protocol identifies how a session's keys were agreed.
type Protocol int

const (
	ProtocolBAC Protocol = iota + 1
	ProtocolPACE
	ProtocolChipAuthentication
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBAC:
		return "BAC"
	case ProtocolPACE:
		return "PACE"
	case ProtocolChipAuthentication:
		return "CA"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// Secure messaging data object tags
const (
	tagDO85 = 0x85 // Cryptogram, odd INS
	tagDO87 = 0x87 // Padding indicator || cryptogram
	tagDO97 = 0x97 // Expected response length
	tagDO99 = 0x99 // Processing status
	tagDO8E = 0x8E // Cryptographic checksum
)

// Session is an established secure messaging channel. The send sequence
// counter is incremented before every protected command and before every
// protected response is checked, so each side's counter only moves forward.
//
// A session that fails an integrity check is broken and refuses further use.
type Session struct {
	protocol Protocol
	suite    CipherSuite
	kenc     []byte
	kmac     []byte
	ssc      []byte
	broken   bool
}

// NewSession builds a session from agreed keys. A nil ssc starts the counter
// at zero.
func NewSession(protocol Protocol, suite CipherSuite, kenc, kmac, ssc []byte) (*Session, error) {
	if len(kenc) != suite.KeyLen() || len(kmac) != suite.KeyLen() {
		return nil, fmt.Errorf("%s session keys must be %d bytes", suite, suite.KeyLen())
	}
	if ssc == nil {
		ssc = make([]byte, suite.BlockSize())
	}
	if len(ssc) != suite.BlockSize() {
		return nil, fmt.Errorf("%s send sequence counter must be %d bytes, got %d", suite, suite.BlockSize(), len(ssc))
	}
	return &Session{
		protocol: protocol,
		suite:    suite,
		kenc:     append([]byte(nil), kenc...),
		kmac:     append([]byte(nil), kmac...),
		ssc:      append([]byte(nil), ssc...),
	}, nil
}

// Protocol returns how the session keys were agreed.
func (s *Session) Protocol() Protocol { return s.protocol }

// Suite returns the session's cipher suite.
func (s *Session) Suite() CipherSuite { return s.suite }

// SSC returns a copy of the current send sequence counter.
func (s *Session) SSC() []byte { return append([]byte(nil), s.ssc...) }

// Broken reports whether the session failed an integrity check.
func (s *Session) Broken() bool { return s.broken }

func (s *Session) incrementSSC() {
	for i := len(s.ssc) - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

// iv returns the CBC IV for the current counter: zero for 3DES and
// E(K_enc, SSC) for AES.
func (s *Session) iv() ([]byte, error) {
	if s.suite == Suite3DES {
		return make([]byte, s.suite.BlockSize()), nil
	}
	return s.suite.encryptBlock(s.kenc, s.ssc)
}

func (s *Session) mac(parts ...[]byte) ([]byte, error) {
	n := append([]byte(nil), s.ssc...)
	for _, p := range parts {
		n = append(n, p...)
	}
	return s.suite.MAC(s.kmac, padISO9797M2(n, s.suite.BlockSize()))
}

func (s *Session) encrypt(data []byte) ([]byte, error) {
	iv, err := s.iv()
	if err != nil {
		return nil, err
	}
	return s.suite.EncryptCBC(s.kenc, iv, padISO9797M2(data, s.suite.BlockSize()))
}

func (s *Session) decrypt(data []byte) ([]byte, error) {
	iv, err := s.iv()
	if err != nil {
		return nil, err
	}
	plain, err := s.suite.DecryptCBC(s.kenc, iv, data)
	if err != nil {
		return nil, err
	}
	return unpadISO9797M2(plain)
}

func (s *Session) fail(op string, cause error) error {
	s.broken = true
	return &ReadError{Kind: KindAuthentication, Op: op, Err: cause}
}

func (s *Session) usable(op string) error {
	if s.broken {
		return &ReadError{Kind: KindAuthentication, Op: op, Err: ErrSessionBroken}
	}
	return nil
}

// Wrap protects a plain command: data goes into an encrypted DO87 (DO85 for
// odd INS), Ne into DO97, and a DO8E checksum covers header and objects.
func (s *Session) Wrap(c apdu.Capdu) (apdu.Capdu, error) {
	if err := s.usable("sm.wrap"); err != nil {
		return apdu.Capdu{}, err
	}
	if c.Cla&0x0C == 0x0C {
		return apdu.Capdu{}, fmt.Errorf("command CLA %02X is already protected", c.Cla)
	}
	s.incrementSSC()

	header := []byte{c.Cla | 0x0C, c.Ins, c.P1, c.P2}
	var body []byte
	if len(c.Data) > 0 {
		enc, err := s.encrypt(c.Data)
		if err != nil {
			return apdu.Capdu{}, err
		}
		if c.Ins&0x01 == 0x01 {
			body = append(body, tlv.Encode(tagDO85, enc)...)
		} else {
			body = append(body, tlv.Encode(tagDO87, append([]byte{0x01}, enc...))...)
		}
	}
	if c.Ne > 0 {
		body = append(body, tlv.Encode(tagDO97, []byte{byte(c.Ne)})...)
	}

	cc, err := s.mac(padISO9797M2(header, s.suite.BlockSize()), body)
	if err != nil {
		return apdu.Capdu{}, err
	}
	body = append(body, tlv.Encode(tagDO8E, cc)...)

	return apdu.Capdu{
		Cla:  header[0],
		Ins:  c.Ins,
		P1:   c.P1,
		P2:   c.P2,
		Data: body,
		Ne:   apdu.MaxLenResponseDataStandard,
	}, nil
}

// Unwrap verifies and decrypts a protected response. The returned response
// carries the plain data and the status word from DO99.
//
// A status-only response without checksum is passed through with no data;
// 6987 and 6988 mean the chip rejected our protection and break the session.
func (s *Session) Unwrap(r apdu.Rapdu) (apdu.Rapdu, error) {
	if err := s.usable("sm.unwrap"); err != nil {
		return apdu.Rapdu{}, err
	}
	s.incrementSSC()

	if len(r.Data) == 0 {
		sw := StatusWord(r)
		switch sw {
		case SWSuccess:
			return apdu.Rapdu{}, s.fail("sm.unwrap", fmt.Errorf("%w: unprotected success status", ErrIntegrity))
		case SWSMDataMissing, SWSMDataIncorrect:
			return apdu.Rapdu{}, s.fail("sm.unwrap", &SWError{SW: sw})
		}
		return apdu.Rapdu{SW1: r.SW1, SW2: r.SW2}, nil
	}

	objs, macStart, err := splitChecksum(r.Data)
	if err != nil {
		return apdu.Rapdu{}, s.fail("sm.unwrap", err)
	}
	want, err := s.mac(r.Data[:macStart])
	if err != nil {
		return apdu.Rapdu{}, s.fail("sm.unwrap", err)
	}
	got, _ := objs.Get(tagDO8E)
	if subtle.ConstantTimeCompare(want, got.Value) != 1 {
		return apdu.Rapdu{}, s.fail("sm.unwrap", fmt.Errorf("%w: response MAC mismatch", ErrIntegrity))
	}

	out := apdu.Rapdu{SW1: r.SW1, SW2: r.SW2}
	if do99, ok := objs.Get(tagDO99); ok {
		if len(do99.Value) != 2 {
			return apdu.Rapdu{}, s.fail("sm.unwrap", errors.New("malformed DO99"))
		}
		out.SW1, out.SW2 = do99.Value[0], do99.Value[1]
	}
	if do87, ok := objs.Get(tagDO87); ok {
		if len(do87.Value) < 1 || do87.Value[0] != 0x01 {
			return apdu.Rapdu{}, s.fail("sm.unwrap", errors.New("malformed DO87"))
		}
		out.Data, err = s.decrypt(do87.Value[1:])
		if err != nil {
			return apdu.Rapdu{}, s.fail("sm.unwrap", err)
		}
	} else if do85, ok := objs.Get(tagDO85); ok {
		out.Data, err = s.decrypt(do85.Value)
		if err != nil {
			return apdu.Rapdu{}, s.fail("sm.unwrap", err)
		}
	}
	return out, nil
}

// UnwrapCommand is the chip-side inverse of Wrap.
func (s *Session) UnwrapCommand(c apdu.Capdu) (apdu.Capdu, error) {
	if err := s.usable("sm.unwrap_command"); err != nil {
		return apdu.Capdu{}, err
	}
	if c.Cla&0x0C != 0x0C {
		return apdu.Capdu{}, s.fail("sm.unwrap_command", fmt.Errorf("%w: command not protected", ErrIntegrity))
	}
	s.incrementSSC()

	objs, macStart, err := splitChecksum(c.Data)
	if err != nil {
		return apdu.Capdu{}, s.fail("sm.unwrap_command", err)
	}
	header := []byte{c.Cla, c.Ins, c.P1, c.P2}
	want, err := s.mac(padISO9797M2(header, s.suite.BlockSize()), c.Data[:macStart])
	if err != nil {
		return apdu.Capdu{}, s.fail("sm.unwrap_command", err)
	}
	got, _ := objs.Get(tagDO8E)
	if subtle.ConstantTimeCompare(want, got.Value) != 1 {
		return apdu.Capdu{}, s.fail("sm.unwrap_command", fmt.Errorf("%w: command MAC mismatch", ErrIntegrity))
	}

	out := apdu.Capdu{Cla: c.Cla &^ 0x0C, Ins: c.Ins, P1: c.P1, P2: c.P2}
	if do87, ok := objs.Get(tagDO87); ok {
		if len(do87.Value) < 1 || do87.Value[0] != 0x01 {
			return apdu.Capdu{}, s.fail("sm.unwrap_command", errors.New("malformed DO87"))
		}
		if out.Data, err = s.decrypt(do87.Value[1:]); err != nil {
			return apdu.Capdu{}, s.fail("sm.unwrap_command", err)
		}
	} else if do85, ok := objs.Get(tagDO85); ok {
		if out.Data, err = s.decrypt(do85.Value); err != nil {
			return apdu.Capdu{}, s.fail("sm.unwrap_command", err)
		}
	}
	if do97, ok := objs.Get(tagDO97); ok {
		if len(do97.Value) != 1 {
			return apdu.Capdu{}, s.fail("sm.unwrap_command", errors.New("malformed DO97"))
		}
		out.Ne = leToNe(do97.Value[0])
	}
	return out, nil
}

// WrapResponse is the chip-side inverse of Unwrap.
func (s *Session) WrapResponse(r apdu.Rapdu) (apdu.Rapdu, error) {
	if err := s.usable("sm.wrap_response"); err != nil {
		return apdu.Rapdu{}, err
	}
	s.incrementSSC()

	var body []byte
	if len(r.Data) > 0 {
		enc, err := s.encrypt(r.Data)
		if err != nil {
			return apdu.Rapdu{}, err
		}
		body = append(body, tlv.Encode(tagDO87, append([]byte{0x01}, enc...))...)
	}
	body = append(body, tlv.Encode(tagDO99, []byte{r.SW1, r.SW2})...)
	cc, err := s.mac(body)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	body = append(body, tlv.Encode(tagDO8E, cc)...)
	return apdu.Rapdu{Data: body, SW1: r.SW1, SW2: r.SW2}, nil
}

// splitChecksum decodes the data objects of a protected APDU and returns the
// offset of DO8E, which must be the last object.
func splitChecksum(data []byte) (tlv.Objects, int, error) {
	var objs tlv.Objects
	macStart := -1
	rest := data
	for len(rest) > 0 {
		offset := len(data) - len(rest)
		o, next, err := tlv.Decode(rest)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if o.Tag == tagDO8E {
			if len(next) != 0 {
				return nil, 0, fmt.Errorf("%w: data after DO8E", ErrIntegrity)
			}
			macStart = offset
		}
		objs = append(objs, o)
		rest = next
	}
	if macStart < 0 {
		return nil, 0, fmt.Errorf("%w: DO8E missing", ErrIntegrity)
	}
	if cc, _ := objs.Get(tagDO8E); len(cc.Value) != macLen {
		return nil, 0, fmt.Errorf("%w: DO8E length %d", ErrIntegrity, len(cc.Value))
	}
	return objs, macStart, nil
}
