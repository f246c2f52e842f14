package lds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
)

// MIME types of portrait and signature images
const (
	MIMEJPEG     = "image/jpeg"
	MIMEJPEG2000 = "image/jp2"
	MIMEWSQ      = "image/x-wsq"
	MIMEUnknown  = "application/octet-stream"
)

// Image is a displayed portrait or signature. DeclaredLength is the image
// length the container announced: for a facial record it follows from the
// record and block lengths in its headers. Data never extends past it.
type Image struct {
	MIMEType       string `json:"mime_type"`
	Data           []byte `json:"data"`
	DeclaredLength int    `json:"declared_length"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// DG2 holds the encoded face images.
type DG2 struct {
	Faces []Image
}

// ParseDG2 decodes tag 75 → 7F61 biometric group template → 7F60
// biometric information templates, each carrying a 5F2E (or 7F2E)
// ISO/IEC 19794-5 facial record.
func ParseDG2(b []byte) (*DG2, error) {
	outer, err := tlv.DecodeExact(b, TagDG2)
	if err != nil {
		return nil, fmt.Errorf("DG2: %w", err)
	}
	children, err := outer.Children()
	if err != nil {
		return nil, fmt.Errorf("DG2: %w", err)
	}
	group, ok := children.Get(0x7F61)
	if !ok {
		return nil, errors.New("DG2: biometric group template 7F61 missing")
	}
	templates, err := group.Children()
	if err != nil {
		return nil, fmt.Errorf("DG2: %w", err)
	}

	dg := &DG2{}
	for _, bit := range templates.All(0x7F60) {
		parts, err := bit.Children()
		if err != nil {
			return nil, fmt.Errorf("DG2: %w", err)
		}
		block, ok := parts.Get(0x5F2E)
		if !ok {
			block, ok = parts.Get(0x7F2E)
		}
		if !ok {
			return nil, errors.New("DG2: biometric data block missing")
		}
		faces, err := parseFacialRecord(block.Value)
		if err != nil {
			return nil, fmt.Errorf("DG2: %w", err)
		}
		dg.Faces = append(dg.Faces, faces...)
	}
	if len(dg.Faces) == 0 {
		return nil, errors.New("DG2: no face image")
	}
	return dg, nil
}

const (
	facialHeaderLen   = 14
	facialInfoLen     = 20
	featurePointLen   = 8
	imageInfoLen      = 12
	imageDataJPEG     = 0x00
	imageDataJPEG2000 = 0x01
)

// parseFacialRecord decodes an ISO/IEC 19794-5 "FAC" record. A block without
// the FAC header is taken as a bare image.
func parseFacialRecord(b []byte) ([]Image, error) {
	if !bytes.HasPrefix(b, []byte("FAC\x00")) {
		return []Image{{MIMEType: SniffMIME(b), Data: b, DeclaredLength: len(b)}}, nil
	}
	if len(b) < facialHeaderLen {
		return nil, errors.New("facial record header truncated")
	}
	recordLen := int(binary.BigEndian.Uint32(b[8:12]))
	if recordLen < facialHeaderLen || recordLen > len(b) {
		return nil, fmt.Errorf("facial record declares %d bytes, %d present", recordLen, len(b))
	}
	count := int(binary.BigEndian.Uint16(b[12:14]))
	rest := b[facialHeaderLen:recordLen]

	var out []Image
	for i := 0; i < count; i++ {
		if len(rest) < facialInfoLen {
			return nil, fmt.Errorf("facial record %d truncated", i)
		}
		blockLen := int(binary.BigEndian.Uint32(rest[0:4]))
		points := int(binary.BigEndian.Uint16(rest[4:6]))
		if blockLen > len(rest) {
			return nil, fmt.Errorf("facial record %d declares %d bytes, %d present", i, blockLen, len(rest))
		}
		block := rest[:blockLen]
		rest = rest[blockLen:]

		off := facialInfoLen + points*featurePointLen
		if off+imageInfoLen > len(block) {
			return nil, fmt.Errorf("facial record %d image information truncated", i)
		}
		info := block[off : off+imageInfoLen]
		img := Image{
			DeclaredLength: blockLen - off - imageInfoLen,
			Width:          int(binary.BigEndian.Uint16(info[2:4])),
			Height:         int(binary.BigEndian.Uint16(info[4:6])),
		}
		switch info[1] {
		case imageDataJPEG:
			img.MIMEType = MIMEJPEG
		case imageDataJPEG2000:
			img.MIMEType = MIMEJPEG2000
		default:
			img.MIMEType = MIMEUnknown
		}
		img.Data = block[off+imageInfoLen:]
		if img.MIMEType == MIMEUnknown {
			img.MIMEType = SniffMIME(img.Data)
		}
		out = append(out, img)
	}
	return out, nil
}

// SniffMIME guesses an image MIME type from its leading bytes.
func SniffMIME(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8}):
		return MIMEJPEG
	case bytes.HasPrefix(b, []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20}),
		bytes.HasPrefix(b, []byte{0xFF, 0x4F, 0xFF, 0x51}):
		return MIMEJPEG2000
	case bytes.HasPrefix(b, []byte{0xFF, 0xA0}):
		return MIMEWSQ
	default:
		return MIMEUnknown
	}
}

// DG7 holds displayed signature or usual mark images.
type DG7 struct {
	Images []Image
}

// ParseDG7 decodes tag 67 with one 5F43 object per image.
func ParseDG7(b []byte) (*DG7, error) {
	outer, err := tlv.DecodeExact(b, TagDG7)
	if err != nil {
		return nil, fmt.Errorf("DG7: %w", err)
	}
	children, err := outer.Children()
	if err != nil {
		return nil, fmt.Errorf("DG7: %w", err)
	}
	dg := &DG7{}
	for _, o := range children.All(0x5F43) {
		dg.Images = append(dg.Images, Image{
			MIMEType:       SniffMIME(o.Value),
			Data:           o.Value,
			DeclaredLength: len(o.Value),
		})
	}
	return dg, nil
}
