package lds

import (
	"crypto"
	"encoding/asn1"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
)

// AlgorithmIdentifier is an X.509 AlgorithmIdentifier. Parameters holds the
// raw DER parameters element, or nil when absent.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters []byte
}

func readAlgorithm(s *cryptobyte.String) (AlgorithmIdentifier, error) {
	var seq cryptobyte.String
	var alg AlgorithmIdentifier
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&alg.Algorithm) {
		return alg, errors.New("malformed AlgorithmIdentifier")
	}
	if !seq.Empty() {
		var params cryptobyte.String
		var tag cbasn1.Tag
		if !seq.ReadAnyASN1Element(&params, &tag) {
			return alg, errors.New("malformed algorithm parameters")
		}
		if tag != cbasn1.NULL {
			alg.Parameters = []byte(params)
		}
	}
	return alg, nil
}

// LDSSecurityObject lists the hash of every data group on the chip.
type LDSSecurityObject struct {
	Version       int
	HashAlgorithm AlgorithmIdentifier
	Hashes        map[int][]byte
}

// ParseLDSSecurityObject decodes the eContent of the SOD.
func ParseLDSSecurityObject(der []byte) (*LDSSecurityObject, error) {
	input := cryptobyte.String(der)
	var seq, hashes cryptobyte.String
	out := &LDSSecurityObject{Hashes: map[int][]byte{}}
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1Integer(&out.Version) {
		return nil, errors.New("LDSSecurityObject: malformed header")
	}
	var err error
	if out.HashAlgorithm, err = readAlgorithm(&seq); err != nil {
		return nil, err
	}
	if !seq.ReadASN1(&hashes, cbasn1.SEQUENCE) {
		return nil, errors.New("LDSSecurityObject: malformed hash list")
	}
	for !hashes.Empty() {
		var entry cryptobyte.String
		var dg int
		var value []byte
		if !hashes.ReadASN1(&entry, cbasn1.SEQUENCE) ||
			!entry.ReadASN1Integer(&dg) ||
			!entry.ReadASN1Bytes(&value, cbasn1.OCTET_STRING) {
			return nil, errors.New("LDSSecurityObject: malformed DataGroupHash")
		}
		if _, dup := out.Hashes[dg]; dup {
			return nil, fmt.Errorf("LDSSecurityObject: duplicate hash for DG%d", dg)
		}
		out.Hashes[dg] = value
	}
	return out, nil
}

// SOD is the Document Security Object (EF.SOD).
type SOD struct {
	// Message is the CMS SignedData. Its Content is the DER
	// LDSSecurityObject the signature covers.
	Message  *pkcs7.PKCS7
	Security *LDSSecurityObject
}

// ParseSOD decodes tag 77 wrapping a CMS SignedData over an
// LDSSecurityObject.
func ParseSOD(b []byte) (*SOD, error) {
	outer, err := tlv.DecodeExact(b, TagSOD)
	if err != nil {
		return nil, fmt.Errorf("SOD: %w", err)
	}
	p7, err := parseSignedData(outer.Value, OIDLDSSecurityObject)
	if err != nil {
		return nil, fmt.Errorf("SOD: %w", err)
	}
	lso, err := ParseLDSSecurityObject(p7.Content)
	if err != nil {
		return nil, fmt.Errorf("SOD: %w", err)
	}
	return &SOD{Message: p7, Security: lso}, nil
}

// parseSignedData decodes a BER or DER ContentInfo holding signedData.
func parseSignedData(der []byte, want asn1.ObjectIdentifier) (*pkcs7.PKCS7, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("CMS: %w", err)
	}
	if err := checkSignedData(p7, want); err != nil {
		return nil, err
	}
	return p7, nil
}

// checkSignedData requires exactly one signer and encapsulated content. When
// the signer carries signed attributes their contentType must equal want.
func checkSignedData(p7 *pkcs7.PKCS7, want asn1.ObjectIdentifier) error {
	// pkcs7 drops SignedData decoding errors; they surface as no signer.
	if len(p7.Signers) != 1 {
		return fmt.Errorf("CMS: %d signers", len(p7.Signers))
	}
	if len(p7.Content) == 0 {
		return errors.New("CMS: no encapsulated content")
	}
	if len(p7.Signers[0].AuthenticatedAttributes) > 0 {
		var ct asn1.ObjectIdentifier
		if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeContentType, &ct); err != nil {
			return fmt.Errorf("CMS: contentType attribute: %w", err)
		}
		if !ct.Equal(want) {
			return fmt.Errorf("CMS: content type %v, want %v", ct, want)
		}
	}
	return nil
}

// HashForOID maps digest algorithm identifiers to crypto.Hash.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, true
	case oid.Equal(OIDSHA224):
		return crypto.SHA224, true
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, true
	}
	return 0, false
}

// ParseMasterList extracts the certificates of a CSCA master list. Both the
// signed CMS form and a bare CscaMasterList SEQUENCE (or several
// concatenated) are accepted. Certificates are returned as raw DER.
func ParseMasterList(der []byte) ([][]byte, error) {
	if p7, err := pkcs7.Parse(der); err == nil {
		if err := checkSignedData(p7, OIDCSCAMasterList); err != nil {
			return nil, fmt.Errorf("master list: %w", err)
		}
		der = p7.Content
	}

	var certs [][]byte
	input := cryptobyte.String(der)
	for !input.Empty() {
		var ml, set cryptobyte.String
		var version int
		if !input.ReadASN1(&ml, cbasn1.SEQUENCE) ||
			!ml.ReadASN1Integer(&version) ||
			!ml.ReadASN1(&set, cbasn1.SET) {
			return nil, errors.New("master list: malformed CscaMasterList")
		}
		for !set.Empty() {
			var cert cryptobyte.String
			if !set.ReadASN1Element(&cert, cbasn1.SEQUENCE) {
				return nil, errors.New("master list: malformed certificate")
			}
			certs = append(certs, []byte(cert))
		}
	}
	if len(certs) == 0 {
		return nil, errors.New("master list: no certificates")
	}
	return certs, nil
}
