package mrtd_test

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/emulator"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

func TestVerifySODSuccess(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	groups := map[int][]byte{
		1:  doc.Files[lds.FIDDG1],
		2:  doc.Files[lds.FIDDG2],
		11: doc.Files[lds.FIDDG11],
		14: doc.Files[lds.FIDDG14],
	}

	r := mrtd.VerifySOD(doc.Files[lds.FIDSOD], groups, doc.Anchors(), time.Now())
	assert.True(t, r.Success, r.Failure)
	assert.True(t, r.HashesOK)
	assert.True(t, r.SignatureOK)
	assert.True(t, r.ChainOK)
	assert.Equal(t, "SHA-256", r.DigestAlgorithm)
	assert.Contains(t, r.Signer, "Utopia Document Signer")
}

func TestVerifySODMissingHash(t *testing.T) {
	doc := newDocument(t, emulator.Config{NoDG14: true})
	groups := map[int][]byte{
		1:  doc.Files[lds.FIDDG1],
		14: {0x6E, 0x00},
	}
	r := mrtd.VerifySOD(doc.Files[lds.FIDSOD], groups, doc.Anchors(), time.Now())
	assert.False(t, r.Success)
	assert.False(t, r.HashesOK)
	assert.Contains(t, r.Failure, "DG14")
}

func TestVerifySODEmptyGroup(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	r := mrtd.VerifySOD(doc.Files[lds.FIDSOD], map[int][]byte{1: doc.Files[lds.FIDDG1], 2: nil}, doc.Anchors(), time.Now())
	assert.False(t, r.Success)
	assert.Contains(t, r.Failure, "DG2")
}

func TestVerifySODWithoutAnchorsStopsAtChain(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	r := mrtd.VerifySOD(doc.Files[lds.FIDSOD], map[int][]byte{1: doc.Files[lds.FIDDG1]}, nil, time.Now())
	assert.False(t, r.Success)
	assert.True(t, r.HashesOK)
	assert.True(t, r.SignatureOK)
	assert.False(t, r.ChainOK)
}

func TestVerifySODChecksValidityAtReadTime(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	groups := map[int][]byte{1: doc.Files[lds.FIDDG1]}

	r := mrtd.VerifySOD(doc.Files[lds.FIDSOD], groups, doc.Anchors(), time.Now().Add(2*365*24*time.Hour))
	assert.False(t, r.Success)
	assert.True(t, r.SignatureOK)
	assert.False(t, r.ChainOK)
}

func TestVerifySODResignedAfterTampering(t *testing.T) {
	cfg := emulator.Config{}
	doc := newDocument(t, cfg)
	doc.Files[lds.FIDDG1] = append([]byte(nil), doc.Files[lds.FIDDG1]...)
	doc.Files[lds.FIDDG1][len(doc.Files[lds.FIDDG1])-1] ^= 0x01

	groups := map[int][]byte{1: doc.Files[lds.FIDDG1]}
	r := mrtd.VerifySOD(doc.Files[lds.FIDSOD], groups, doc.Anchors(), time.Now())
	assert.False(t, r.Success)
	assert.False(t, r.HashesOK)

	require.NoError(t, doc.Resign(cfg))
	r = mrtd.VerifySOD(doc.Files[lds.FIDSOD], groups, doc.Anchors(), time.Now())
	assert.True(t, r.Success, r.Failure)
}

func TestVerifySODGarbage(t *testing.T) {
	r := mrtd.VerifySOD([]byte{0x77, 0x02, 0x30, 0x00}, map[int][]byte{1: {0x61, 0x00}}, nil, time.Now())
	assert.False(t, r.Success)
	assert.Contains(t, r.Failure, "parse")
}

func TestPassiveAuthenticateHashesDG14OnlyAfterChipAuth(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	sod := doc.Files[lds.FIDSOD]
	dg1, dg2 := doc.Files[lds.FIDDG1], doc.Files[lds.FIDDG2]

	r := mrtd.PassiveAuthenticate(sod, dg1, dg2, nil, false, doc.Anchors(), time.Now())
	assert.True(t, r.Success, r.Failure)

	// With chip authentication reported, an absent DG14 is a failure.
	r = mrtd.PassiveAuthenticate(sod, dg1, dg2, nil, true, doc.Anchors(), time.Now())
	assert.False(t, r.Success)

	r = mrtd.PassiveAuthenticate(sod, dg1, dg2, doc.Files[lds.FIDDG14], true, doc.Anchors(), time.Now())
	assert.True(t, r.Success, r.Failure)
}

func TestParseTrustAnchorsFormats(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	other := newDocument(t, emulator.Config{})

	certs, skipped, err := mrtd.ParseTrustAnchors(doc.CSCA.Raw)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].Equal(doc.CSCA))

	bundle := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: doc.CSCA.Raw})
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: other.CSCA.Raw})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30, 0x00}})...)
	certs, skipped, err = mrtd.ParseTrustAnchors(bundle)
	require.NoError(t, err)
	assert.Len(t, certs, 2)
	assert.Equal(t, 1, skipped)

	_, _, err = mrtd.ParseTrustAnchors([]byte("not a certificate"))
	assert.Error(t, err)
}

func TestLoadTrustAnchorsDirectory(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	other := newDocument(t, emulator.Config{})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "csca.der"), doc.CSCA.Raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: other.CSCA.Raw}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.cer"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644))

	ta, err := mrtd.LoadTrustAnchors(quietLogger(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, ta.Len())

	_, err = mrtd.LoadTrustAnchors(quietLogger(), filepath.Join(dir, "broken.cer"))
	assert.Error(t, err)

	_, err = mrtd.LoadTrustAnchors(quietLogger(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestAnchorFilesReloadsPerRead(t *testing.T) {
	doc := newDocument(t, emulator.Config{})
	dir := t.TempDir()
	src := mrtd.AnchorFiles(quietLogger(), dir)

	ta, err := src()
	require.NoError(t, err)
	assert.Zero(t, ta.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "csca.der"), doc.CSCA.Raw, 0o644))
	ta, err = src()
	require.NoError(t, err)
	assert.Equal(t, 1, ta.Len())
}
