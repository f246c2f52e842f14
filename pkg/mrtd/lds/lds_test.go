package lds_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/emulator"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

const specimenTD3 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<" +
	"L898902C36UTO7408122F1204159ZE184226B<<<<<10"

func TestParseMRZTD3(t *testing.T) {
	m, err := lds.ParseMRZ(specimenTD3)
	if err != nil {
		t.Fatalf("ParseMRZ: %v", err)
	}
	checks := []struct{ name, got, want string }{
		{"document code", m.DocumentCode, "P"},
		{"issuing state", m.IssuingState, "UTO"},
		{"primary", m.PrimaryIdentifier, "ERIKSSON"},
		{"secondary", m.SecondaryIdentifier, "ANNA MARIA"},
		{"number", m.DocumentNumber, "L898902C3"},
		{"nationality", m.Nationality, "UTO"},
		{"birth", m.DateOfBirth, "740812"},
		{"gender", m.Gender, "FEMALE"},
		{"expiry", m.DateOfExpiry, "120415"},
		{"optional", m.OptionalData, "ZE184226B"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if m.DocumentNumberCheck != '6' || m.DateOfBirthCheck != '2' || m.DateOfExpiryCheck != '9' {
		t.Fatalf("check digits %c %c %c", m.DocumentNumberCheck, m.DateOfBirthCheck, m.DateOfExpiryCheck)
	}
}

func TestParseMRZTD1(t *testing.T) {
	raw := "I<UTOD231458907<<<<<<<<<<<<<<<" +
		"7408122F1204159UTO<<<<<<<<<<<6" +
		"ERIKSSON<<ANNA<MARIA<<<<<<<<<<"
	m, err := lds.ParseMRZ(raw)
	if err != nil {
		t.Fatalf("ParseMRZ: %v", err)
	}
	if m.DocumentCode != "I" || m.DocumentNumber != "D23145890" || m.Nationality != "UTO" {
		t.Fatalf("unexpected fields %+v", m)
	}
	if m.PrimaryIdentifier != "ERIKSSON" || m.SecondaryIdentifier != "ANNA MARIA" {
		t.Fatalf("names %q / %q", m.PrimaryIdentifier, m.SecondaryIdentifier)
	}
}

func TestParseMRZRejectsUnknownLength(t *testing.T) {
	if _, err := lds.ParseMRZ("P<UTO"); err == nil {
		t.Fatal("short MRZ accepted")
	}
}

func TestParseDG1(t *testing.T) {
	raw := tlv.EncodeConstructed(lds.TagDG1, tlv.Encode(0x5F1F, []byte(specimenTD3)))
	dg, err := lds.ParseDG1(raw)
	if err != nil {
		t.Fatalf("ParseDG1: %v", err)
	}
	if dg.MRZ.Raw != specimenTD3 {
		t.Fatalf("raw MRZ %q", dg.MRZ.Raw)
	}

	if _, err := lds.ParseDG1(tlv.EncodeConstructed(lds.TagDG1, tlv.Encode(0x5F1E, []byte("x")))); err == nil {
		t.Fatal("DG1 without 5F1F accepted")
	}
	if _, err := lds.ParseDG1(tlv.Encode(lds.TagDG2, nil)); err == nil {
		t.Fatal("wrong outer tag accepted")
	}
}

func TestParseDG11(t *testing.T) {
	raw := tlv.EncodeConstructed(lds.TagDG11,
		tlv.Encode(0x5C, []byte{0x5F, 0x0E, 0x5F, 0x2B, 0x5F, 0x11}),
		tlv.Encode(0x5F0E, []byte("ERIKSSON<<ANNA<MARIA")),
		tlv.Encode(0x5F2B, []byte{0x19, 0x74, 0x08, 0x12}),
		tlv.Encode(0x5F11, []byte("ZENITH<UTOPIA")),
		tlv.EncodeConstructed(0xA0,
			tlv.Encode(0x02, []byte{0x02}),
			tlv.Encode(0x5F0F, []byte("ANNA<ERIKSDOTTIR")),
			tlv.Encode(0x5F0F, []byte("MARIA<ERIKSSON"))),
	)
	dg, err := lds.ParseDG11(raw)
	if err != nil {
		t.Fatalf("ParseDG11: %v", err)
	}
	if dg.FullName != "ERIKSSON ANNA MARIA" {
		t.Fatalf("FullName %q", dg.FullName)
	}
	if dg.FullDateOfBirth != "19740812" {
		t.Fatalf("FullDateOfBirth %q", dg.FullDateOfBirth)
	}
	if dg.PlaceOfBirth != "ZENITH, UTOPIA" {
		t.Fatalf("PlaceOfBirth %q", dg.PlaceOfBirth)
	}
	if len(dg.OtherNames) != 2 || dg.OtherNames[1] != "MARIA ERIKSSON" {
		t.Fatalf("OtherNames %q", dg.OtherNames)
	}
}

func TestParseDG2BareImage(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02, 0xFF, 0xD9}
	bit := tlv.EncodeConstructed(0x7F60,
		tlv.EncodeConstructed(0xA1, tlv.Encode(0x80, []byte{0x01, 0x01})),
		tlv.Encode(0x5F2E, img))
	raw := tlv.Encode(lds.TagDG2, tlv.EncodeConstructed(0x7F61, tlv.Encode(0x02, []byte{0x01}), bit))

	dg, err := lds.ParseDG2(raw)
	if err != nil {
		t.Fatalf("ParseDG2: %v", err)
	}
	if len(dg.Faces) != 1 || dg.Faces[0].MIMEType != lds.MIMEJPEG || !bytes.Equal(dg.Faces[0].Data, img) {
		t.Fatalf("faces %+v", dg.Faces)
	}
	if dg.Faces[0].DeclaredLength != len(img) {
		t.Fatalf("declared length %d", dg.Faces[0].DeclaredLength)
	}
}

// facialRecord builds a one-face ISO/IEC 19794-5 record with the given
// number of feature points. extra is added to the record length field.
func facialRecord(img []byte, points, extra int) []byte {
	blockLen := 20 + points*8 + 12 + len(img)
	rec := []byte{'F', 'A', 'C', 0, '0', '1', '0', 0}
	rec = binary.BigEndian.AppendUint32(rec, uint32(14+blockLen+extra))
	rec = binary.BigEndian.AppendUint16(rec, 1)

	info := make([]byte, 20)
	binary.BigEndian.PutUint32(info[0:4], uint32(blockLen))
	binary.BigEndian.PutUint16(info[4:6], uint16(points))
	rec = append(rec, info...)
	rec = append(rec, make([]byte, points*8)...)

	imageInfo := make([]byte, 12)
	imageInfo[1] = 0x01 // JPEG 2000
	binary.BigEndian.PutUint16(imageInfo[2:4], 240)
	binary.BigEndian.PutUint16(imageInfo[4:6], 320)
	rec = append(rec, imageInfo...)
	return append(rec, img...)
}

func wrapDG2(record []byte) []byte {
	bit := tlv.EncodeConstructed(0x7F60,
		tlv.EncodeConstructed(0xA1, tlv.Encode(0x80, []byte{0x01, 0x01})),
		tlv.Encode(0x5F2E, record))
	return tlv.Encode(lds.TagDG2, tlv.EncodeConstructed(0x7F61, tlv.Encode(0x02, []byte{0x01}), bit))
}

func TestParseDG2FacialRecordLengths(t *testing.T) {
	img := []byte{0xFF, 0x4F, 0xFF, 0x51, 0x00, 0x2F, 0x00}
	// Padding after the record is outside the declared record length.
	record := append(facialRecord(img, 2, 0), 0x00, 0x00, 0x00)

	dg, err := lds.ParseDG2(wrapDG2(record))
	if err != nil {
		t.Fatalf("ParseDG2: %v", err)
	}
	if len(dg.Faces) != 1 {
		t.Fatalf("faces %+v", dg.Faces)
	}
	face := dg.Faces[0]
	if face.DeclaredLength != len(img) || !bytes.Equal(face.Data, img) {
		t.Fatalf("declared %d data %X", face.DeclaredLength, face.Data)
	}
	if face.MIMEType != lds.MIMEJPEG2000 || face.Width != 240 || face.Height != 320 {
		t.Fatalf("face %+v", face)
	}
}

func TestParseDG2FacialRecordLongerThanBlock(t *testing.T) {
	record := facialRecord([]byte{0xFF, 0xD8, 0xFF, 0xD9}, 0, 16)
	if _, err := lds.ParseDG2(wrapDG2(record)); err == nil {
		t.Fatal("facial record longer than its data accepted")
	}
}

func TestParseDG2WithoutFaceFails(t *testing.T) {
	raw := tlv.Encode(lds.TagDG2, tlv.EncodeConstructed(0x7F61, tlv.Encode(0x02, []byte{0x00})))
	if _, err := lds.ParseDG2(raw); err == nil {
		t.Fatal("DG2 without a face accepted")
	}
}

func TestParseDG7(t *testing.T) {
	jp2 := []byte{0xFF, 0x4F, 0xFF, 0x51, 0x00}
	raw := tlv.EncodeConstructed(lds.TagDG7, tlv.Encode(0x02, []byte{0x01}), tlv.Encode(0x5F43, jp2))
	dg, err := lds.ParseDG7(raw)
	if err != nil {
		t.Fatalf("ParseDG7: %v", err)
	}
	if len(dg.Images) != 1 || dg.Images[0].MIMEType != lds.MIMEJPEG2000 {
		t.Fatalf("images %+v", dg.Images)
	}
}

func TestSniffMIME(t *testing.T) {
	cases := map[string][]byte{
		lds.MIMEJPEG:     {0xFF, 0xD8, 0xFF},
		lds.MIMEJPEG2000: {0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D},
		lds.MIMEWSQ:      {0xFF, 0xA0, 0xFF},
		lds.MIMEUnknown:  {0x00},
	}
	for want, b := range cases {
		if got := lds.SniffMIME(b); got != want {
			t.Fatalf("SniffMIME(%X) = %s, want %s", b, got, want)
		}
	}
}

func TestParseCardAccessWithPadding(t *testing.T) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(lds.OIDPACEECDHGMAES128)
			b.AddASN1Int64(2)
			b.AddASN1Int64(13)
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier([]int{1, 2, 3, 4})
			b.AddASN1Int64(1)
		})
	})
	raw := append(b.BytesOrPanic(), 0x00, 0x00, 0x00)

	infos, err := lds.ParseCardAccess(raw)
	if err != nil {
		t.Fatalf("ParseCardAccess: %v", err)
	}
	if len(infos.PACE) != 1 {
		t.Fatalf("PACE infos %+v", infos.PACE)
	}
	p := infos.PACE[0]
	if !p.Protocol.Equal(lds.OIDPACEECDHGMAES128) || p.Version != 2 || !p.HasParameterID || p.ParameterID != 13 {
		t.Fatalf("PACE info %+v", p)
	}
	if len(infos.Unknown) != 1 {
		t.Fatalf("unknown %v", infos.Unknown)
	}
}

func TestParseDG14FromDocument(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	if err != nil {
		t.Fatal(err)
	}
	dg, err := lds.ParseDG14(doc.Files[lds.FIDDG14])
	if err != nil {
		t.Fatalf("ParseDG14: %v", err)
	}
	infos := dg.SecurityInfos
	if len(infos.ChipAuthKeys) != 1 || len(infos.ChipAuthentication) != 1 {
		t.Fatalf("infos %+v", infos)
	}
	key := infos.ChipAuthKeys[0]
	if !key.Protocol.Equal(lds.OIDPKECDH) || key.Curve != ecc.P256 {
		t.Fatalf("key protocol %v curve %v", key.Protocol, key.Curve)
	}
	if len(key.PublicKey) != 65 || key.PublicKey[0] != 0x04 {
		t.Fatalf("public key %X", key.PublicKey)
	}
	if !infos.ChipAuthentication[0].Protocol.Equal(lds.OIDCAECDHAES128) {
		t.Fatalf("CA protocol %v", infos.ChipAuthentication[0].Protocol)
	}
}

func TestParseSODFromDocument(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	if err != nil {
		t.Fatal(err)
	}
	sod, err := lds.ParseSOD(doc.Files[lds.FIDSOD])
	if err != nil {
		t.Fatalf("ParseSOD: %v", err)
	}
	for _, dg := range []int{1, 2, 7, 11, 14} {
		if len(sod.Security.Hashes[dg]) != 32 {
			t.Fatalf("DG%d hash %X", dg, sod.Security.Hashes[dg])
		}
	}
	if !sod.Security.HashAlgorithm.Algorithm.Equal(lds.OIDSHA256) {
		t.Fatalf("hash algorithm %v", sod.Security.HashAlgorithm.Algorithm)
	}
	if len(sod.Message.Signers) != 1 || len(sod.Message.Certificates) != 1 {
		t.Fatalf("signed data %d signers %d certs", len(sod.Message.Signers), len(sod.Message.Certificates))
	}
}

func TestParseMasterListBare(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	if err != nil {
		t.Fatal(err)
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddBytes(doc.CSCA.Raw)
			b.AddBytes(doc.Signer.Raw)
		})
	})
	certs, err := lds.ParseMasterList(b.BytesOrPanic())
	if err != nil {
		t.Fatalf("ParseMasterList: %v", err)
	}
	if len(certs) != 2 || !bytes.Equal(certs[0], doc.CSCA.Raw) {
		t.Fatalf("got %d certificates", len(certs))
	}
}

func signedMasterList(t *testing.T, doc *emulator.Document, setType bool) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddBytes(doc.CSCA.Raw)
		})
	})
	sd, err := pkcs7.NewSignedData(b.BytesOrPanic())
	if err != nil {
		t.Fatal(err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if setType {
		sd.GetSignedData().ContentInfo.ContentType = lds.OIDCSCAMasterList
	}
	if err := sd.AddSigner(doc.CSCA, doc.CSCAKey, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return der
}

func TestParseMasterListSigned(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	if err != nil {
		t.Fatal(err)
	}
	certs, err := lds.ParseMasterList(signedMasterList(t, doc, true))
	if err != nil {
		t.Fatalf("ParseMasterList: %v", err)
	}
	if len(certs) != 1 || !bytes.Equal(certs[0], doc.CSCA.Raw) {
		t.Fatalf("got %d certificates", len(certs))
	}
}

func TestParseMasterListRejectsWrongContentType(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lds.ParseMasterList(signedMasterList(t, doc, false)); err == nil {
		t.Fatal("expected content type error")
	}
}

func TestParseSODRejectsTruncatedSignedData(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	if err != nil {
		t.Fatal(err)
	}
	outer, err := tlv.DecodeExact(doc.Files[lds.FIDSOD], lds.TagSOD)
	if err != nil {
		t.Fatal(err)
	}
	cut := outer.Value[:len(outer.Value)/2]
	if _, err := lds.ParseSOD(tlv.Encode(lds.TagSOD, cut)); err == nil {
		t.Fatal("expected error for truncated SignedData")
	}
}

func TestFIDForDataGroup(t *testing.T) {
	if fid, ok := lds.FIDForDataGroup(14); !ok || fid != lds.FIDDG14 {
		t.Fatalf("DG14 -> %04X %v", fid, ok)
	}
	if _, ok := lds.FIDForDataGroup(99); ok {
		t.Fatal("DG99 has no file")
	}
}
