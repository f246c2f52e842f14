package mrtd

import (
	"crypto"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jlutukai/passport-nfc-reader/internal/ecc"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

func TestAssembleRecord(t *testing.T) {
	in := RecordInput{
		DG1: &lds.DG1{MRZ: lds.MRZ{
			DocumentCode:        "P",
			DocumentNumber:      "L898902C3",
			PrimaryIdentifier:   "ERIKSSON",
			SecondaryIdentifier: "ANNA MARIA",
			Gender:              "FEMALE",
			IssuingState:        "UTO",
			Nationality:         "UTO",
			DateOfBirth:         "740812",
			DateOfExpiry:        "120415",
		}},
		DG2: &lds.DG2{Faces: []lds.Image{
			{MIMEType: lds.MIMEJPEG, Data: []byte{1}},
			{MIMEType: lds.MIMEJPEG, Data: []byte{2}},
		}},
		DG11:               &lds.DG11{FullName: "ERIKSSON ANNA MARIA", Address: "ZENITH, UTOPIA"},
		AccessProtocol:     ProtocolPACE,
		ChipAuthSucceeded:  true,
		PassiveAuthSuccess: false,
	}
	rec := AssembleRecord(in)

	if rec.FirstName != "ANNA MARIA" || rec.LastName != "ERIKSSON" {
		t.Fatalf("names %q %q", rec.FirstName, rec.LastName)
	}
	if rec.DocumentNumber != "L898902C3" || rec.DateOfExpiry != "120415" {
		t.Fatalf("document %q expiry %q", rec.DocumentNumber, rec.DateOfExpiry)
	}
	if rec.FullName != "ERIKSSON ANNA MARIA" || rec.Residence != "ZENITH, UTOPIA" {
		t.Fatalf("DG11 fields %q %q", rec.FullName, rec.Residence)
	}
	if rec.FaceImage == nil || rec.FaceImage.Data[0] != 1 {
		t.Fatalf("first face not used: %+v", rec.FaceImage)
	}
	if rec.SignatureImage != nil {
		t.Fatal("signature image without DG7")
	}
	if rec.AccessProtocol != "PACE" || !rec.ChipAuthSucceeded || rec.PassiveAuthSuccess {
		t.Fatalf("flags %q %v %v", rec.AccessProtocol, rec.ChipAuthSucceeded, rec.PassiveAuthSuccess)
	}
}

func TestAssembleRecordDG1Only(t *testing.T) {
	rec := AssembleRecord(RecordInput{DG1: &lds.DG1{MRZ: lds.MRZ{DocumentNumber: "X1"}}})
	if rec.DocumentNumber != "X1" || rec.FullName != "" || rec.FaceImage != nil || rec.AccessProtocol != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestParsePSSParams(t *testing.T) {
	p, err := parsePSSParams(nil)
	if err != nil || p.hash != crypto.SHA256 || p.mgfHash != crypto.SHA256 || p.saltLen != 32 {
		t.Fatalf("absent params = %+v, %v", p, err)
	}

	// An empty SEQUENCE takes the RFC 4055 defaults.
	p, err = parsePSSParams([]byte{0x30, 0x00})
	if err != nil || p.hash != crypto.SHA1 || p.mgfHash != crypto.SHA1 || p.saltLen != 20 {
		t.Fatalf("empty params = %+v, %v", p, err)
	}

	p, err = parsePSSParams(pssParamsDER(lds.OIDSHA512, lds.OIDSHA512, 64, 1))
	if err != nil || p.hash != crypto.SHA512 || p.mgfHash != crypto.SHA512 || p.saltLen != 64 {
		t.Fatalf("SHA-512 params = %+v, %v", p, err)
	}

	if _, err := parsePSSParams(pssParamsDER(lds.OIDSHA256, lds.OIDSHA256, 32, 2)); err == nil {
		t.Fatal("trailer field 2 accepted")
	}
	if _, err := parsePSSParams([]byte{0x04, 0x00}); err == nil {
		t.Fatal("non-SEQUENCE params accepted")
	}
}

func pssParamsDER(hash, mgfHash []int, salt, trailer int64) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddASN1ObjectIdentifier(hash) })
		})
		b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(lds.OIDMGF1)
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddASN1ObjectIdentifier(mgfHash) })
			})
		})
		b.AddASN1(cbasn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) { b.AddASN1Int64(salt) })
		b.AddASN1(cbasn1.Tag(3).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) { b.AddASN1Int64(trailer) })
	})
	return b.BytesOrPanic()
}

func TestSelectChipAuthKey(t *testing.T) {
	infos := &lds.SecurityInfos{
		ChipAuthentication: []lds.ChipAuthenticationInfo{
			{Protocol: lds.OIDCAECDHAES128, Version: 1, KeyID: 7, HasKeyID: true},
			{Protocol: lds.OIDCAECDHAES256, Version: 1, KeyID: 9, HasKeyID: true},
		},
		ChipAuthKeys: []lds.ChipAuthenticationPublicKeyInfo{
			{Protocol: lds.OIDPKDH, PublicKey: []byte{1}},
			{Protocol: lds.OIDPKECDH, PublicKey: []byte{2}, KeyID: 3, HasKeyID: true},
			{Protocol: lds.OIDPKECDH, Curve: ecc.P256, PublicKey: []byte{4}, KeyID: 9, HasKeyID: true},
		},
	}
	target, err := selectChipAuthKey(infos)
	if err != nil {
		t.Fatalf("selectChipAuthKey: %v", err)
	}
	if target.key.KeyID != 9 || !target.protocol.Equal(lds.OIDCAECDHAES256) || target.suite != SuiteAES256 {
		t.Fatalf("picked key %d protocol %v suite %s", target.key.KeyID, target.protocol, target.suite)
	}

	// Without a matching ChipAuthenticationInfo the AES-256 protocol is assumed.
	infos.ChipAuthentication = nil
	target, err = selectChipAuthKey(infos)
	if err != nil || !target.protocol.Equal(lds.OIDCAECDHAES256) {
		t.Fatalf("default protocol %v, %v", target.protocol, err)
	}

	if _, err := selectChipAuthKey(&lds.SecurityInfos{}); err != ErrNoChipAuthKey {
		t.Fatalf("empty infos: got %v", err)
	}
}

func TestResolveReader(t *testing.T) {
	readers := []string{"ACS ACR122U PICC Interface 00 00", "Identiv uTrust 3700 F 01 00"}
	cases := []struct {
		sel  string
		want int
		ok   bool
	}{
		{"", 0, true},
		{"1", 1, true},
		{"uTrust", 1, true},
		{"2", 0, false},
		{"Omnikey", 0, false},
	}
	for _, c := range cases {
		got, err := resolveReader(readers, c.sel)
		if (err == nil) != c.ok || (c.ok && got != c.want) {
			t.Fatalf("resolveReader(%q) = %d, %v", c.sel, got, err)
		}
	}
	if _, err := resolveReader(nil, ""); err == nil {
		t.Fatal("no readers accepted")
	}
}
