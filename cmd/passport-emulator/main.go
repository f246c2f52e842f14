// Command passport-emulator builds a signed test passport, writes its files
// and CSCA certificate to a directory and can read it back through the
// software chip as a self-check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/emulator"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

var fileNames = map[uint16]string{
	lds.FIDCardAccess: "EF.CardAccess.bin",
	lds.FIDSOD:        "EF.SOD.bin",
	lds.FIDDG1:        "DG1.bin",
	lds.FIDDG2:        "DG2.bin",
	lds.FIDDG7:        "DG7.bin",
	lds.FIDDG11:       "DG11.bin",
	lds.FIDDG14:       "DG14.bin",
}

func main() {
	var (
		outDir    = flag.String("out", "passport", "output directory")
		docNumber = flag.String("doc", "", "document number (default L898902C)")
		birth     = flag.String("dob", "", "date of birth, YYMMDD")
		expiry    = flag.String("expiry", "", "date of expiry, YYMMDD")
		scheme    = flag.String("scheme", "ecdsa", "document signer scheme: ecdsa, rsa or pss")
		noPACE    = flag.Bool("no-pace", false, "omit EF.CardAccess (BAC only)")
		verify    = flag.Bool("verify", false, "read the document back through the emulated chip")
		verbose   = flag.Bool("v", false, "Enable debug logging")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Parse()

	// Setup logging
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	cfg := emulator.Config{
		DocumentNumber: *docNumber,
		DateOfBirth:    *birth,
		DateOfExpiry:   *expiry,
		NoPACE:         *noPACE,
	}
	s, err := parseScheme(*scheme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	cfg.Scheme = s

	doc, err := emulator.NewDocument(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building document: %v\n", err)
		os.Exit(1)
	}
	written, err := writeDocument(*outDir, doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing document: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("MRZ:\n%s\n", doc.MRZ)
	fmt.Printf("Files:   %d written to %s\n", len(written), *outDir)
	for _, p := range written {
		slog.Debug("file written", "path", p)
	}

	if *verify {
		rec, err := readBack(context.Background(), doc, slog.Default())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading back: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(struct {
			Protocol string `json:"access_protocol"`
			CA       bool   `json:"chip_auth_succeeded"`
			PA       bool   `json:"passive_auth_success"`
		}{rec.AccessProtocol, rec.ChipAuthSucceeded, rec.PassiveAuthSuccess}, "", "  ")
		fmt.Printf("Verify:  %s\n", out)
		if !rec.ChipAuthSucceeded || !rec.PassiveAuthSuccess {
			os.Exit(1)
		}
	}
}

func parseScheme(name string) (emulator.SignatureScheme, error) {
	switch name {
	case "ecdsa":
		return emulator.SchemeECDSA, nil
	case "rsa":
		return emulator.SchemeRSAPKCS1, nil
	case "pss":
		return emulator.SchemeRSAPSS, nil
	default:
		return 0, fmt.Errorf("unknown scheme %q", name)
	}
}

// writeDocument writes every file of doc plus csca.der and returns the
// paths in name order.
func writeDocument(dir string, doc *emulator.Document) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for fid, data := range doc.Files {
		name, ok := fileNames[fid]
		if !ok {
			name = fmt.Sprintf("EF_%04X.bin", fid)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		written = append(written, path)
	}
	path := filepath.Join(dir, "csca.der")
	if err := os.WriteFile(path, doc.CSCA.Raw, 0o644); err != nil {
		return nil, err
	}
	written = append(written, path)
	sort.Strings(written)
	return written, nil
}

func readBack(ctx context.Context, doc *emulator.Document, logger *slog.Logger) (*mrtd.PassportRecord, error) {
	r := mrtd.NewReader(emulator.NewChip(doc, nil), mrtd.Options{
		Logger:  logger,
		Timeout: 5 * time.Second,
		Anchors: mrtd.StaticAnchors(doc.Anchors()),
	})
	return r.Read(ctx, doc.Seed)
}
