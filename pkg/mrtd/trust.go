package mrtd

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// TrustAnchors is a set of Country Signing CA certificates. It is safe for
// concurrent use once built.
type TrustAnchors struct {
	certs []*x509.Certificate
	pool  *x509.CertPool
}

// NewTrustAnchors builds a set from parsed certificates.
func NewTrustAnchors(certs ...*x509.Certificate) *TrustAnchors {
	ta := &TrustAnchors{pool: x509.NewCertPool()}
	for _, c := range certs {
		if c == nil {
			continue
		}
		ta.certs = append(ta.certs, c)
		ta.pool.AddCert(c)
	}
	return ta
}

// Len returns the number of anchors.
func (ta *TrustAnchors) Len() int {
	if ta == nil {
		return 0
	}
	return len(ta.certs)
}

// Pool returns the anchors as a certificate pool.
func (ta *TrustAnchors) Pool() *x509.CertPool {
	if ta == nil {
		return x509.NewCertPool()
	}
	return ta.pool
}

// Certificates returns the anchors.
func (ta *TrustAnchors) Certificates() []*x509.Certificate {
	if ta == nil {
		return nil
	}
	return append([]*x509.Certificate(nil), ta.certs...)
}

// ParseTrustAnchors reads certificates from PEM, a single DER certificate,
// or an ICAO master list. Certificates the x509 package cannot parse, such as
// ones on brainpool curves, are skipped and counted.
func ParseTrustAnchors(data []byte) (certs []*x509.Certificate, skipped int, err error) {
	var raw [][]byte
	switch {
	case bytes.Contains(data, []byte("-----BEGIN")):
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				raw = append(raw, block.Bytes)
			}
		}
		if len(raw) == 0 {
			return nil, 0, errors.New("no CERTIFICATE blocks in PEM data")
		}
	default:
		if c, err := x509.ParseCertificate(data); err == nil {
			return []*x509.Certificate{c}, 0, nil
		}
		raw, err = lds.ParseMasterList(data)
		if err != nil {
			return nil, 0, fmt.Errorf("neither a certificate nor a master list: %w", err)
		}
	}

	for _, der := range raw {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			skipped++
			continue
		}
		certs = append(certs, c)
	}
	return certs, skipped, nil
}

// anchorExtensions lists the file suffixes read from an anchor directory.
var anchorExtensions = map[string]bool{
	".der": true,
	".cer": true,
	".crt": true,
	".pem": true,
	".ml":  true,
}

// LoadTrustAnchors reads anchors from files and directories. Directories are
// scanned one level deep for certificate and master list files.
func LoadTrustAnchors(logger *slog.Logger, paths ...string) (*TrustAnchors, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var all []*x509.Certificate
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("trust anchors: %w", err)
		}
		files := []string{p}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				return nil, fmt.Errorf("trust anchors: %w", err)
			}
			files = files[:0]
			for _, e := range entries {
				if e.IsDir() || !anchorExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
					continue
				}
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("trust anchors: %w", err)
			}
			certs, skipped, err := ParseTrustAnchors(data)
			if err != nil {
				if info.IsDir() {
					logger.Warn("skipping trust anchor file", "file", f, "error", err)
					continue
				}
				return nil, fmt.Errorf("trust anchors %s: %w", f, err)
			}
			if skipped > 0 {
				logger.Debug("unparseable anchors skipped", "file", f, "count", skipped)
			}
			all = append(all, certs...)
		}
	}
	ta := NewTrustAnchors(all...)
	logger.Debug("trust anchors loaded", "count", ta.Len())
	return ta, nil
}
