package lds

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
)

// PACEInfo advertises one PACE protocol variant on the chip.
type PACEInfo struct {
	Protocol       asn1.ObjectIdentifier
	Version        int
	ParameterID    int
	HasParameterID bool
}

// ChipAuthenticationInfo names the chip authentication protocol for a key.
type ChipAuthenticationInfo struct {
	Protocol asn1.ObjectIdentifier
	Version  int
	KeyID    int
	HasKeyID bool
}

// ChipAuthenticationPublicKeyInfo carries the chip's static agreement key.
type ChipAuthenticationPublicKeyInfo struct {
	Protocol asn1.ObjectIdentifier // id-PK-ECDH or id-PK-DH
	// Curve is the resolved domain for id-PK-ECDH keys, nil otherwise or
	// when the explicit parameters match no known curve.
	Curve     *ecc.Curve
	PublicKey []byte
	KeyID     int
	HasKeyID  bool
}

// SecurityInfos is the decoded content of EF.CardAccess or DG14.
type SecurityInfos struct {
	PACE                 []PACEInfo
	ChipAuthentication   []ChipAuthenticationInfo
	ChipAuthKeys         []ChipAuthenticationPublicKeyInfo
	ActiveAuthentication bool
	Unknown              []asn1.ObjectIdentifier
}

var errMalformed = errors.New("malformed SecurityInfos")

// ParseSecurityInfos decodes a DER SET OF SecurityInfo. Entries with an
// unrecognized protocol are listed in Unknown and otherwise skipped.
func ParseSecurityInfos(der []byte) (*SecurityInfos, error) {
	input := cryptobyte.String(der)
	var set cryptobyte.String
	if !input.ReadASN1(&set, cbasn1.SET) || !input.Empty() {
		return nil, fmt.Errorf("%w: not a single SET", errMalformed)
	}

	out := &SecurityInfos{}
	for !set.Empty() {
		var info cryptobyte.String
		var proto asn1.ObjectIdentifier
		if !set.ReadASN1(&info, cbasn1.SEQUENCE) || !info.ReadASN1ObjectIdentifier(&proto) {
			return nil, fmt.Errorf("%w: bad SecurityInfo", errMalformed)
		}

		switch {
		case HasPrefix(proto, OIDPACE) && len(proto) == len(OIDPACE)+2:
			pi := PACEInfo{Protocol: proto}
			if !info.ReadASN1Integer(&pi.Version) {
				return nil, fmt.Errorf("%w: PACEInfo version", errMalformed)
			}
			if info.PeekASN1Tag(cbasn1.INTEGER) {
				if !info.ReadASN1Integer(&pi.ParameterID) {
					return nil, fmt.Errorf("%w: PACEInfo parameterId", errMalformed)
				}
				pi.HasParameterID = true
			}
			out.PACE = append(out.PACE, pi)

		case HasPrefix(proto, OIDCA) && len(proto) == len(OIDCA)+2:
			ci := ChipAuthenticationInfo{Protocol: proto}
			if !info.ReadASN1Integer(&ci.Version) {
				return nil, fmt.Errorf("%w: ChipAuthenticationInfo version", errMalformed)
			}
			if info.PeekASN1Tag(cbasn1.INTEGER) {
				if !info.ReadASN1Integer(&ci.KeyID) {
					return nil, fmt.Errorf("%w: ChipAuthenticationInfo keyId", errMalformed)
				}
				ci.HasKeyID = true
			}
			out.ChipAuthentication = append(out.ChipAuthentication, ci)

		case HasPrefix(proto, OIDPK) && len(proto) == len(OIDPK)+1:
			pk, err := parseChipAuthKey(proto, &info)
			if err != nil {
				return nil, err
			}
			out.ChipAuthKeys = append(out.ChipAuthKeys, pk)

		case proto.Equal(OIDActiveAuth):
			out.ActiveAuthentication = true

		default:
			out.Unknown = append(out.Unknown, proto)
		}
	}
	return out, nil
}

func parseChipAuthKey(proto asn1.ObjectIdentifier, info *cryptobyte.String) (ChipAuthenticationPublicKeyInfo, error) {
	pk := ChipAuthenticationPublicKeyInfo{Protocol: proto}

	var spki, algID cryptobyte.String
	var alg asn1.ObjectIdentifier
	if !info.ReadASN1(&spki, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&algID, cbasn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&alg) {
		return pk, fmt.Errorf("%w: chip authentication SubjectPublicKeyInfo", errMalformed)
	}
	var bits asn1.BitString
	if !spki.ReadASN1BitString(&bits) {
		return pk, fmt.Errorf("%w: chip authentication public key bits", errMalformed)
	}
	pk.PublicKey = bits.RightAlign()

	if alg.Equal(OIDECPublicKey) {
		curve, err := parseECDomain(&algID)
		if err != nil {
			return pk, err
		}
		pk.Curve = curve
	}

	if info.PeekASN1Tag(cbasn1.INTEGER) {
		if !info.ReadASN1Integer(&pk.KeyID) {
			return pk, fmt.Errorf("%w: chip authentication keyId", errMalformed)
		}
		pk.HasKeyID = true
	}
	return pk, nil
}

// parseECDomain resolves either a namedCurve OID or explicit
// ECParameters to a known curve. Unknown domains yield a nil curve.
func parseECDomain(params *cryptobyte.String) (*ecc.Curve, error) {
	if params.PeekASN1Tag(cbasn1.OBJECT_IDENTIFIER) {
		var named asn1.ObjectIdentifier
		if !params.ReadASN1ObjectIdentifier(&named) {
			return nil, fmt.Errorf("%w: namedCurve", errMalformed)
		}
		c, _ := ecc.CurveByOID(named)
		return c, nil
	}

	var ecParams, fieldID, curve cryptobyte.String
	var version int
	var fieldType asn1.ObjectIdentifier
	p, order := new(big.Int), new(big.Int)
	var a, b, base []byte
	if !params.ReadASN1(&ecParams, cbasn1.SEQUENCE) ||
		!ecParams.ReadASN1Integer(&version) ||
		!ecParams.ReadASN1(&fieldID, cbasn1.SEQUENCE) ||
		!fieldID.ReadASN1ObjectIdentifier(&fieldType) ||
		!fieldID.ReadASN1Integer(p) ||
		!ecParams.ReadASN1(&curve, cbasn1.SEQUENCE) ||
		!curve.ReadASN1Bytes(&a, cbasn1.OCTET_STRING) ||
		!curve.ReadASN1Bytes(&b, cbasn1.OCTET_STRING) ||
		!ecParams.ReadASN1Bytes(&base, cbasn1.OCTET_STRING) ||
		!ecParams.ReadASN1Integer(order) {
		return nil, fmt.Errorf("%w: explicit ECParameters", errMalformed)
	}
	if !fieldType.Equal(OIDPrimeField) {
		return nil, nil
	}
	n := (p.BitLen() + 7) / 8
	if len(base) != 1+2*n || base[0] != 0x04 {
		return nil, fmt.Errorf("%w: ECParameters base point", errMalformed)
	}
	gx := new(big.Int).SetBytes(base[1 : 1+n])
	gy := new(big.Int).SetBytes(base[1+n:])
	c, _ := ecc.CurveByParams(p, new(big.Int).SetBytes(a), new(big.Int).SetBytes(b), gx, gy)
	return c, nil
}

// ParseCardAccess decodes EF.CardAccess, which holds SecurityInfos with no
// outer LDS tag.
func ParseCardAccess(b []byte) (*SecurityInfos, error) {
	return ParseSecurityInfos(trimDER(b))
}

// trimDER drops trailing bytes beyond the first DER element; some chips pad
// EF.CardAccess to a fixed size.
func trimDER(b []byte) []byte {
	s := cryptobyte.String(b)
	var elem cryptobyte.String
	var tag cbasn1.Tag
	if s.ReadAnyASN1Element(&elem, &tag) {
		return elem
	}
	return b
}
