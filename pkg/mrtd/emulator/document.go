// Package emulator is a software eMRTD chip. It builds a signed test document
// (CSCA, document signer, data groups and EF.SOD) and answers the APDUs a
// reader sends: BAC, PACE generic mapping over the standardized groups,
// chip authentication, secure messaging and file reads.
package emulator

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// SignatureScheme selects how the document signer signs EF.SOD.
type SignatureScheme int

const (
	SchemeECDSA SignatureScheme = iota
	SchemeRSAPKCS1
	// SchemeRSAPSS uses SHA-256, MGF1-SHA-256 and a 32 byte salt.
	SchemeRSAPSS
)

// Config describes the document to build. Zero fields take the ICAO 9303
// specimen values.
type Config struct {
	DocumentNumber string // up to 9 characters
	DateOfBirth    string // YYMMDD
	DateOfExpiry   string // YYMMDD
	IssuingState   string
	Nationality    string
	Surname        string
	GivenNames     string
	Gender         byte

	Scheme SignatureScheme
	// PSSOmitParameters leaves the RSASSA-PSS parameters out of the signer
	// info.
	PSSOmitParameters bool

	// NoPACE omits EF.CardAccess so readers fall back to BAC.
	NoPACE bool
	// PACEProtocol and PACEParameterID select the advertised PACE variant.
	// A nil protocol selects ECDH-GM AES-128 on P-256.
	PACEProtocol    asn1.ObjectIdentifier
	PACEParameterID int
	// ChipAuthProtocol is the DG14 chip authentication protocol, ECDH
	// AES-128 when nil.
	ChipAuthProtocol asn1.ObjectIdentifier
	// NoDG7 and NoDG14 omit those files.
	NoDG7  bool
	NoDG14 bool

	// Now anchors certificate validity. SignerValidity overrides the
	// document signer's lifetime.
	Now            time.Time
	SignerValidity time.Duration

	Rand io.Reader
}

func (c *Config) defaults() {
	if c.PACEProtocol == nil {
		c.PACEProtocol = lds.OIDPACEECDHGMAES128
		c.PACEParameterID = 12
	}
	if c.ChipAuthProtocol == nil {
		c.ChipAuthProtocol = lds.OIDCAECDHAES128
	}
	if c.DocumentNumber == "" {
		c.DocumentNumber = "L898902C"
	}
	if c.DateOfBirth == "" {
		c.DateOfBirth = "690806"
	}
	if c.DateOfExpiry == "" {
		c.DateOfExpiry = "940623"
	}
	if c.IssuingState == "" {
		c.IssuingState = "UTO"
	}
	if c.Nationality == "" {
		c.Nationality = "UTO"
	}
	if c.Surname == "" {
		c.Surname = "ERIKSSON"
	}
	if c.GivenNames == "" {
		c.GivenNames = "ANNA MARIA"
	}
	if c.Gender == 0 {
		c.Gender = 'F'
	}
	if c.Now.IsZero() {
		c.Now = time.Now()
	}
	if c.SignerValidity == 0 {
		c.SignerValidity = 365 * 24 * time.Hour
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

// Document is a complete signed document. Files are keyed by file
// identifier and may be modified after NewDocument to simulate tampering.
type Document struct {
	Seed  mrtd.BACSeed
	MRZ   string
	Files map[uint16][]byte

	CSCA      *x509.Certificate
	CSCAKey   crypto.Signer
	Signer    *x509.Certificate
	SignerKey crypto.Signer
	FaceImage []byte
	Signature []byte

	// chipKey is the static chip authentication key on P-256.
	chipKey *big.Int
	// paceProtocol and paceParameterID are advertised in EF.CardAccess.
	paceProtocol    asn1.ObjectIdentifier
	paceParameterID int
	caProtocol      asn1.ObjectIdentifier
}

// NewDocument builds and signs a document.
func NewDocument(cfg Config) (*Document, error) {
	cfg.defaults()
	seed, err := mrtd.NewBACSeed(cfg.DocumentNumber, cfg.DateOfBirth, cfg.DateOfExpiry)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		Seed:            seed,
		Files:           map[uint16][]byte{},
		paceProtocol:    cfg.PACEProtocol,
		paceParameterID: cfg.PACEParameterID,
		caProtocol:      cfg.ChipAuthProtocol,
	}
	doc.MRZ = buildMRZ(cfg)

	if err := doc.issueCertificates(cfg); err != nil {
		return nil, err
	}

	doc.FaceImage = fakeJPEG(cfg.Rand, 600)
	doc.Signature = fakeJPEG(cfg.Rand, 200)

	doc.Files[lds.FIDDG1] = tlv.EncodeConstructed(lds.TagDG1, tlv.Encode(0x5F1F, []byte(doc.MRZ)))
	doc.Files[lds.FIDDG2] = buildDG2(doc.FaceImage)
	doc.Files[lds.FIDDG11] = buildDG11(cfg)
	if !cfg.NoDG7 {
		doc.Files[lds.FIDDG7] = tlv.EncodeConstructed(lds.TagDG7,
			tlv.Encode(0x02, []byte{0x01}),
			tlv.Encode(0x5F43, doc.Signature))
	}
	if !cfg.NoDG14 {
		priv, pub, err := ecc.CurveGroup(ecc.P256).GenerateKey(cfg.Rand)
		if err != nil {
			return nil, err
		}
		doc.chipKey = priv
		doc.Files[lds.FIDDG14] = tlv.Encode(lds.TagDG14, buildChipAuthInfos(doc.caProtocol, pub))
	}
	if !cfg.NoPACE {
		doc.Files[lds.FIDCardAccess] = buildCardAccess(doc.paceProtocol, doc.paceParameterID)
	}

	sod, err := doc.signSOD(cfg)
	if err != nil {
		return nil, err
	}
	doc.Files[lds.FIDSOD] = sod
	return doc, nil
}

// Resign recomputes EF.SOD over the current data groups.
func (d *Document) Resign(cfg Config) error {
	cfg.defaults()
	sod, err := d.signSOD(cfg)
	if err != nil {
		return err
	}
	d.Files[lds.FIDSOD] = sod
	return nil
}

// Anchors returns the document's CSCA as a trust anchor set.
func (d *Document) Anchors() *mrtd.TrustAnchors {
	return mrtd.NewTrustAnchors(d.CSCA)
}

func buildMRZ(cfg Config) string {
	filler := func(s string, n int) string {
		s = strings.ReplaceAll(strings.ToUpper(s), " ", "<")
		if len(s) > n {
			return s[:n]
		}
		return s + strings.Repeat("<", n-len(s))
	}
	line1 := filler("P<"+cfg.IssuingState+cfg.Surname+"<<"+cfg.GivenNames, 44)

	docNo := filler(cfg.DocumentNumber, 9)
	optional := filler("", 14)
	var b strings.Builder
	b.WriteString(docNo)
	b.WriteByte(mrtd.CheckDigit(docNo))
	b.WriteString(filler(cfg.Nationality, 3))
	b.WriteString(cfg.DateOfBirth)
	b.WriteByte(mrtd.CheckDigit(cfg.DateOfBirth))
	b.WriteByte(cfg.Gender)
	b.WriteString(cfg.DateOfExpiry)
	b.WriteByte(mrtd.CheckDigit(cfg.DateOfExpiry))
	b.WriteString(optional)
	b.WriteByte(mrtd.CheckDigit(optional))
	l2 := b.String()
	composite := l2[0:10] + l2[13:20] + l2[21:43]
	return line1 + l2 + string(mrtd.CheckDigit(composite))
}

// fakeJPEG returns n bytes framed by the JPEG SOI and EOI markers.
func fakeJPEG(r io.Reader, n int) []byte {
	body := make([]byte, n)
	_, _ = io.ReadFull(r, body)
	out := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, body...)
	return append(out, 0xFF, 0xD9)
}

// buildDG2 wraps one JPEG in an ISO/IEC 19794-5 facial record inside the
// CBEFF biometric templates.
func buildDG2(img []byte) []byte {
	const infoLen, imageInfoLen = 20, 12
	blockLen := infoLen + imageInfoLen + len(img)

	rec := make([]byte, 0, 14+blockLen)
	rec = append(rec, 'F', 'A', 'C', 0, '0', '1', '0', 0)
	rec = binary.BigEndian.AppendUint32(rec, uint32(14+blockLen))
	rec = binary.BigEndian.AppendUint16(rec, 1)

	info := make([]byte, infoLen)
	binary.BigEndian.PutUint32(info[0:4], uint32(blockLen))
	info[6] = 0x02 // female
	rec = append(rec, info...)

	imageInfo := make([]byte, imageInfoLen)
	imageInfo[0] = 0x01 // full frontal
	imageInfo[1] = 0x00 // JPEG
	binary.BigEndian.PutUint16(imageInfo[2:4], 413)
	binary.BigEndian.PutUint16(imageInfo[4:6], 531)
	rec = append(rec, imageInfo...)
	rec = append(rec, img...)

	header := tlv.EncodeConstructed(0xA1,
		tlv.Encode(0x80, []byte{0x01, 0x01}),
		tlv.Encode(0x87, []byte{0x01, 0x01}),
		tlv.Encode(0x88, []byte{0x00, 0x08}))
	bit := tlv.EncodeConstructed(0x7F60, header, tlv.Encode(0x5F2E, rec))
	group := tlv.EncodeConstructed(0x7F61, tlv.Encode(0x02, []byte{0x01}), bit)
	return tlv.Encode(lds.TagDG2, group)
}

func buildDG11(cfg Config) []byte {
	name := strings.ReplaceAll(cfg.Surname+"<<"+cfg.GivenNames, " ", "<")
	return tlv.EncodeConstructed(lds.TagDG11,
		tlv.Encode(0x5C, []byte{0x5F, 0x0E, 0x5F, 0x10, 0x5F, 0x11, 0x5F, 0x42, 0x5F, 0x12, 0x5F, 0x13}),
		tlv.Encode(0x5F0E, []byte(name)),
		tlv.Encode(0x5F10, []byte("123456789")),
		tlv.Encode(0x5F11, []byte("ZENITH<UTOPIA")),
		tlv.Encode(0x5F42, []byte("123 MAPLE STREET<ZENITH<UTOPIA")),
		tlv.Encode(0x5F12, []byte("+1 555 0100")),
		tlv.Encode(0x5F13, []byte("ENGINEER")))
}

func addOID(b *cryptobyte.Builder, oid asn1.ObjectIdentifier) {
	b.AddASN1ObjectIdentifier(oid)
}

// buildChipAuthInfos encodes the DG14 SET: a ChipAuthenticationInfo for
// protocol and the matching P-256 public key.
func buildChipAuthInfos(protocol asn1.ObjectIdentifier, pub []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addOID(b, protocol)
			b.AddASN1Int64(1)
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addOID(b, lds.OIDPKECDH)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					addOID(b, lds.OIDECPublicKey)
					addOID(b, ecc.P256.OID)
				})
				b.AddASN1BitString(pub)
			})
		})
	})
	return b.BytesOrPanic()
}

// buildCardAccess advertises one PACEInfo with a standardized parameter id.
func buildCardAccess(protocol asn1.ObjectIdentifier, parameterID int) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addOID(b, protocol)
			b.AddASN1Int64(2)
			b.AddASN1Int64(int64(parameterID))
		})
	})
	return b.BytesOrPanic()
}

func newKey(scheme SignatureScheme, r io.Reader) (crypto.Signer, error) {
	if scheme == SchemeECDSA {
		return ecdsa.GenerateKey(elliptic.P256(), r)
	}
	return rsa.GenerateKey(r, 2048)
}

func (d *Document) issueCertificates(cfg Config) error {
	cscaKey, err := newKey(cfg.Scheme, cfg.Rand)
	if err != nil {
		return fmt.Errorf("CSCA key: %w", err)
	}
	cscaTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Country: []string{"UT"}, CommonName: "Utopia CSCA"},
		NotBefore:             cfg.Now.Add(-24 * time.Hour),
		NotAfter:              cfg.Now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(cfg.Rand, cscaTmpl, cscaTmpl, cscaKey.Public(), cscaKey)
	if err != nil {
		return fmt.Errorf("CSCA certificate: %w", err)
	}
	if d.CSCA, err = x509.ParseCertificate(der); err != nil {
		return err
	}
	d.CSCAKey = cscaKey

	dsKey, err := newKey(cfg.Scheme, cfg.Rand)
	if err != nil {
		return fmt.Errorf("document signer key: %w", err)
	}
	dsTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1001),
		Subject:      pkix.Name{Country: []string{"UT"}, CommonName: "Utopia Document Signer"},
		NotBefore:    cfg.Now.Add(-time.Hour),
		NotAfter:     cfg.Now.Add(-time.Hour + cfg.SignerValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err = x509.CreateCertificate(cfg.Rand, dsTmpl, d.CSCA, dsKey.Public(), cscaKey)
	if err != nil {
		return fmt.Errorf("document signer certificate: %w", err)
	}
	if d.Signer, err = x509.ParseCertificate(der); err != nil {
		return err
	}
	d.SignerKey = dsKey
	return nil
}

// signSOD hashes every data group present with SHA-256 and signs the
// resulting LDSSecurityObject as CMS SignedData inside tag 77.
func (d *Document) signSOD(cfg Config) ([]byte, error) {
	groups := []int{1, 2, 7, 11, 14}
	var lso cryptobyte.Builder
	lso.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { addOID(b, lds.OIDSHA256) })
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, dg := range groups {
				fid, _ := lds.FIDForDataGroup(dg)
				data, ok := d.Files[fid]
				if !ok {
					continue
				}
				sum := sha256.Sum256(data)
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(int64(dg))
					b.AddASN1OctetString(sum[:])
				})
			}
		})
	})
	content, err := lso.Bytes()
	if err != nil {
		return nil, err
	}
	contentSum := sha256.Sum256(content)

	var attrs cryptobyte.Builder
	attrs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addOID(b, lds.OIDContentType)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) { addOID(b, lds.OIDLDSSecurityObject) })
	})
	attrs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addOID(b, lds.OIDMessageDigest)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) { b.AddASN1OctetString(contentSum[:]) })
	})
	attrContent, err := attrs.Bytes()
	if err != nil {
		return nil, err
	}
	signed := tlv.Encode(0x31, attrContent)
	signedSum := sha256.Sum256(signed)

	var sig []byte
	var sigAlg func(b *cryptobyte.Builder)
	switch cfg.Scheme {
	case SchemeECDSA:
		sig, err = ecdsa.SignASN1(cfg.Rand, d.SignerKey.(*ecdsa.PrivateKey), signedSum[:])
		sigAlg = func(b *cryptobyte.Builder) { addOID(b, lds.OIDECDSAWithSHA256) }
	case SchemeRSAPKCS1:
		sig, err = rsa.SignPKCS1v15(cfg.Rand, d.SignerKey.(*rsa.PrivateKey), crypto.SHA256, signedSum[:])
		sigAlg = func(b *cryptobyte.Builder) {
			addOID(b, lds.OIDSHA256WithRSA)
			b.AddASN1NULL()
		}
	case SchemeRSAPSS:
		sig, err = rsa.SignPSS(cfg.Rand, d.SignerKey.(*rsa.PrivateKey), crypto.SHA256, signedSum[:],
			&rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256})
		sigAlg = func(b *cryptobyte.Builder) {
			addOID(b, lds.OIDRSASSAPSS)
			if cfg.PSSOmitParameters {
				return
			}
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { addOID(b, lds.OIDSHA256) })
				})
				b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						addOID(b, lds.OIDMGF1)
						b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { addOID(b, lds.OIDSHA256) })
					})
				})
				b.AddASN1(cbasn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1Int64(32)
				})
			})
		}
	default:
		return nil, fmt.Errorf("unknown signature scheme %d", cfg.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("sign SOD: %w", err)
	}

	ctx0 := cbasn1.Tag(0).ContextSpecific().Constructed()
	var ci cryptobyte.Builder
	ci.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addOID(b, lds.OIDSignedData)
		b.AddASN1(ctx0, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(3)
				b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { addOID(b, lds.OIDSHA256) })
				})
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					addOID(b, lds.OIDLDSSecurityObject)
					b.AddASN1(ctx0, func(b *cryptobyte.Builder) { b.AddASN1OctetString(content) })
				})
				b.AddASN1(ctx0, func(b *cryptobyte.Builder) { b.AddBytes(d.Signer.Raw) })
				b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1Int64(1)
						b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
							b.AddBytes(d.Signer.RawIssuer)
							b.AddASN1BigInt(d.Signer.SerialNumber)
						})
						b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { addOID(b, lds.OIDSHA256) })
						b.AddASN1(ctx0, func(b *cryptobyte.Builder) { b.AddBytes(attrContent) })
						b.AddASN1(cbasn1.SEQUENCE, sigAlg)
						b.AddASN1OctetString(sig)
					})
				})
			})
		})
	})
	cms, err := ci.Bytes()
	if err != nil {
		return nil, err
	}
	return tlv.Encode(lds.TagSOD, cms), nil
}
