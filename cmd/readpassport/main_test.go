package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

func TestResolveSeedConvertsDates(t *testing.T) {
	seed, err := resolveSeed(seedInput{Number: "l898902c", BirthDate: "1969-08-06", ExpiryDate: "1994-06-23"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "L898902C", seed.DocumentNumber)
	assert.Equal(t, "690806", seed.DateOfBirth)
	assert.Equal(t, "940623", seed.DateOfExpiry)
}

func TestResolveSeedPromptsForMissingValues(t *testing.T) {
	var asked []string
	prompt := func(label string, hidden bool) (string, error) {
		asked = append(asked, label)
		if hidden {
			return "L898902C\n", nil
		}
		return "1994-06-23\n", nil
	}
	seed, err := resolveSeed(seedInput{BirthDate: "1969-08-06"}, prompt)
	require.NoError(t, err)
	assert.Equal(t, []string{"Document number", "Date of expiry (YYYY-MM-DD)"}, asked)
	assert.Equal(t, "940623", seed.DateOfExpiry)
}

func TestResolveSeedErrors(t *testing.T) {
	_, err := resolveSeed(seedInput{Number: "L898902C", BirthDate: "1969-08-06"}, nil)
	assert.ErrorContains(t, err, "date of expiry (yyyy-mm-dd) is required")

	_, err = resolveSeed(seedInput{Number: "L898902C", BirthDate: "06/08/1969", ExpiryDate: "1994-06-23"}, nil)
	assert.ErrorContains(t, err, "date of birth")

	boom := errors.New("stdin closed")
	_, err = resolveSeed(seedInput{}, func(string, bool) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestWriteImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	rec := &mrtd.PassportRecord{
		DocumentNumber: "L898902C3",
		FaceImage:      &lds.Image{MIMEType: lds.MIMEJPEG, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}},
		SignatureImage: &lds.Image{MIMEType: lds.MIMEJPEG2000, Data: []byte{0x00, 0x00, 0x00, 0x0C}},
	}
	written, err := writeImages(dir, rec)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "L898902C3_face.jpg"),
		filepath.Join(dir, "L898902C3_signature.jp2"),
	}, written)

	got, err := os.ReadFile(written[0])
	require.NoError(t, err)
	assert.Equal(t, rec.FaceImage.Data, got)
}

func TestWriteImagesWithoutImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	written, err := writeImages(dir, &mrtd.PassportRecord{DocumentNumber: "X"})
	require.NoError(t, err)
	assert.Empty(t, written)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadConfigExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  reader_index: 2\n"), 0o644))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, *cfg.Runtime.ReaderIndex)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
