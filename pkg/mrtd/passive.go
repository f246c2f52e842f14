package mrtd

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// PassiveAuthReport records how far passive authentication got. Success is
// set only when every step passed.
type PassiveAuthReport struct {
	Success         bool   `json:"success"`
	HashesOK        bool   `json:"hashes_ok"`
	SignatureOK     bool   `json:"signature_ok"`
	ChainOK         bool   `json:"chain_ok"`
	DigestAlgorithm string `json:"digest_algorithm,omitempty"`
	Signer          string `json:"signer,omitempty"`
	Failure         string `json:"failure,omitempty"`
}

func (r PassiveAuthReport) fail(format string, args ...any) PassiveAuthReport {
	r.Success = false
	r.Failure = fmt.Sprintf(format, args...)
	return r
}

// PassiveAuthenticate checks DG1 and DG2, plus DG14 when chip authentication
// succeeded, against the SOD and its signer against anchors.
func PassiveAuthenticate(sod, dg1, dg2, dg14 []byte, chipAuthSucceeded bool, anchors *TrustAnchors, now time.Time) PassiveAuthReport {
	groups := map[int][]byte{1: dg1, 2: dg2}
	if chipAuthSucceeded {
		groups[14] = dg14
	}
	return VerifySOD(sod, groups, anchors, now)
}

// VerifySOD runs passive authentication over the given data groups, keyed by
// data group number. It fails closed: any parse error, unknown algorithm,
// missing hash or missing anchor yields an unsuccessful report.
//
// Steps, in order:
//   - every data group hashes to the value listed in the security object
//   - the signer's signature covers the signed attributes, whose message
//     digest covers the security object
//   - the signer certificate chains to an anchor, with every certificate in
//     the chain valid at now
func VerifySOD(raw []byte, groups map[int][]byte, anchors *TrustAnchors, now time.Time) PassiveAuthReport {
	var r PassiveAuthReport
	if now.IsZero() {
		now = time.Now()
	}

	sod, err := lds.ParseSOD(raw)
	if err != nil {
		return r.fail("parse: %v", err)
	}
	hash, ok := lds.HashForOID(sod.Security.HashAlgorithm.Algorithm)
	if !ok || !hash.Available() {
		return r.fail("unsupported digest algorithm %v", sod.Security.HashAlgorithm.Algorithm)
	}
	r.DigestAlgorithm = hash.String()

	if len(groups) == 0 {
		return r.fail("no data groups to check")
	}
	numbers := make([]int, 0, len(groups))
	for dg := range groups {
		numbers = append(numbers, dg)
	}
	sort.Ints(numbers)
	for _, dg := range numbers {
		data := groups[dg]
		if len(data) == 0 {
			return r.fail("DG%d is empty", dg)
		}
		want, ok := sod.Security.Hashes[dg]
		if !ok {
			return r.fail("security object has no hash for DG%d", dg)
		}
		if !bytes.Equal(digest(hash, data), want) {
			return r.fail("DG%d hash mismatch", dg)
		}
	}
	r.HashesOK = true

	p7 := sod.Message
	signer := p7.GetOnlySigner()
	if signer == nil {
		return r.fail("signer: no matching certificate")
	}
	r.Signer = signer.Subject.String()

	if err := verifySignerInfo(p7, signer); err != nil {
		return r.fail("signature: %v", err)
	}
	r.SignatureOK = true

	if anchors.Len() == 0 {
		return r.fail("chain: no trust anchors")
	}
	intermediates := x509.NewCertPool()
	for _, c := range p7.Certificates {
		if c != signer {
			intermediates.AddCert(c)
		}
	}
	if _, err := signer.Verify(x509.VerifyOptions{
		Roots:         anchors.Pool(),
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return r.fail("chain: %v", err)
	}
	r.ChainOK = true
	r.Success = true
	return r
}

func digest(h crypto.Hash, data []byte) []byte {
	w := h.New()
	w.Write(data)
	return w.Sum(nil)
}

// verifySignerInfo checks the signer's signature and, with signed
// attributes, their message digest over the security object. pkcs7 handles
// PKCS #1 v1.5 and ECDSA; RSASSA-PSS is verified here over the same
// attribute encoding.
func verifySignerInfo(p7 *pkcs7.PKCS7, signer *x509.Certificate) error {
	si := p7.Signers[0]
	if !si.DigestEncryptionAlgorithm.Algorithm.Equal(lds.OIDRSASSAPSS) {
		return p7.Verify()
	}

	hash, ok := lds.HashForOID(si.DigestAlgorithm.Algorithm)
	if !ok || !hash.Available() {
		return fmt.Errorf("unsupported digest algorithm %v", si.DigestAlgorithm.Algorithm)
	}
	msg := p7.Content
	if len(si.AuthenticatedAttributes) > 0 {
		var md []byte
		if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeMessageDigest, &md); err != nil {
			return fmt.Errorf("messageDigest attribute: %w", err)
		}
		if !bytes.Equal(md, digest(hash, p7.Content)) {
			return errors.New("messageDigest does not match the security object")
		}
		var err error
		if msg, err = asn1.MarshalWithParams(si.AuthenticatedAttributes, "set"); err != nil {
			return fmt.Errorf("signed attributes: %w", err)
		}
	}

	params := si.DigestEncryptionAlgorithm.Parameters.FullBytes
	if len(params) == 0 || params[0] == asn1.TagNull {
		params = nil
	}
	return verifyPSS(signer.PublicKey, params, msg, si.EncryptedDigest)
}

func verifyPSS(pub crypto.PublicKey, rawParams, msg, sig []byte) error {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("RSASSA-PSS with %T key", pub)
	}
	params, err := parsePSSParams(rawParams)
	if err != nil {
		return err
	}
	if params.mgfHash != params.hash {
		return fmt.Errorf("MGF1 hash %s differs from %s", params.mgfHash, params.hash)
	}
	if !params.hash.Available() {
		return fmt.Errorf("hash %s unavailable", params.hash)
	}
	return rsa.VerifyPSS(key, params.hash, digest(params.hash, msg), sig,
		&rsa.PSSOptions{SaltLength: params.saltLen, Hash: params.hash})
}

type pssParams struct {
	hash    crypto.Hash
	mgfHash crypto.Hash
	saltLen int
}

// parsePSSParams decodes RSASSA-PSS-params. Absent parameters mean
// SHA-256 with MGF1-SHA-256 and a 32 byte salt, the profile used by
// documents that omit them; absent fields inside present parameters take
// the RFC 4055 defaults.
func parsePSSParams(raw []byte) (pssParams, error) {
	if raw == nil {
		return pssParams{hash: crypto.SHA256, mgfHash: crypto.SHA256, saltLen: 32}, nil
	}
	p := pssParams{hash: crypto.SHA1, mgfHash: crypto.SHA1, saltLen: 20}
	errBad := errors.New("malformed RSASSA-PSS parameters")

	in := cryptobyte.String(raw)
	var seq cryptobyte.String
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return p, errBad
	}

	var field cryptobyte.String
	var present bool
	if !seq.ReadOptionalASN1(&field, &present, cbasn1.Tag(0).ContextSpecific().Constructed()) {
		return p, errBad
	}
	if present {
		h, err := readHashAlgorithm(&field)
		if err != nil {
			return p, err
		}
		p.hash = h
	}

	if !seq.ReadOptionalASN1(&field, &present, cbasn1.Tag(1).ContextSpecific().Constructed()) {
		return p, errBad
	}
	if present {
		var mgf cryptobyte.String
		var mgfOID asn1.ObjectIdentifier
		if !field.ReadASN1(&mgf, cbasn1.SEQUENCE) || !mgf.ReadASN1ObjectIdentifier(&mgfOID) {
			return p, errBad
		}
		if !mgfOID.Equal(lds.OIDMGF1) {
			return p, fmt.Errorf("unsupported mask generation function %v", mgfOID)
		}
		h, err := readHashAlgorithm(&mgf)
		if err != nil {
			return p, err
		}
		p.mgfHash = h
	}

	if !seq.ReadOptionalASN1(&field, &present, cbasn1.Tag(2).ContextSpecific().Constructed()) {
		return p, errBad
	}
	if present && !field.ReadASN1Integer(&p.saltLen) {
		return p, errBad
	}

	if !seq.ReadOptionalASN1(&field, &present, cbasn1.Tag(3).ContextSpecific().Constructed()) {
		return p, errBad
	}
	if present {
		var trailer int
		if !field.ReadASN1Integer(&trailer) || trailer != 1 {
			return p, errors.New("unsupported RSASSA-PSS trailer field")
		}
	}
	return p, nil
}

func readHashAlgorithm(s *cryptobyte.String) (crypto.Hash, error) {
	var seq cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&oid) {
		return 0, errors.New("malformed hash AlgorithmIdentifier")
	}
	h, ok := lds.HashForOID(oid)
	if !ok {
		return 0, fmt.Errorf("unsupported hash %v", oid)
	}
	return h, nil
}
