package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

func imageExtension(mime string) string {
	switch mime {
	case lds.MIMEJPEG:
		return ".jpg"
	case lds.MIMEJPEG2000:
		return ".jp2"
	case lds.MIMEWSQ:
		return ".wsq"
	default:
		return ".bin"
	}
}

// writeImages stores the face and signature images under dir, named after
// the document number. It returns the paths written.
func writeImages(dir string, rec *mrtd.PassportRecord) ([]string, error) {
	images := []struct {
		kind string
		img  *lds.Image
	}{
		{"face", rec.FaceImage},
		{"signature", rec.SignatureImage},
	}
	base := filepath.Base(rec.DocumentNumber)
	if rec.DocumentNumber == "" {
		base = "passport"
	}
	var written []string
	for _, im := range images {
		if im.img == nil || len(im.img.Data) == 0 {
			continue
		}
		if len(written) == 0 {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return written, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		name := fmt.Sprintf("%s_%s%s", base, im.kind, imageExtension(im.img.MIMEType))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, im.img.Data, 0o600); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
