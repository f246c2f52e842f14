package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/jlutukai/passport-nfc-reader/internal/config"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
)

const configFileName = "config.yaml"

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configFlag := flag.String("config", "", "config file (default: config.yaml next to the binary or in the working directory)")
	readerFlag := flag.String("reader", "", "reader index or name substring (overrides runtime.reader_index)")
	docNumber := flag.String("doc", "", "document number")
	birthDate := flag.String("dob", "", "date of birth, YYYY-MM-DD")
	expiryDate := flag.String("expiry", "", "date of expiry, YYYY-MM-DD")
	outDir := flag.String("out", "", "directory for face and signature images (overrides output.dir)")
	flag.Parse()

	// Configure slog
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

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	seed, err := resolveSeed(seedInput{
		Number:     firstNonEmpty(*docNumber, cfg.Document.Number),
		BirthDate:  firstNonEmpty(*birthDate, cfg.Document.BirthDate),
		ExpiryDate: firstNonEmpty(*expiryDate, cfg.Document.ExpiryDate),
	}, terminalPrompt)
	if err != nil {
		log.Fatalf("access key invalid: %v", err)
	}

	selector := *readerFlag
	if selector == "" && cfg.Runtime.ReaderIndex != nil {
		selector = strconv.Itoa(*cfg.Runtime.ReaderIndex)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintln(os.Stderr, "Waiting for passport...")
	conn, err := mrtd.WaitForCard(ctx, selector)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	slog.Info("card present", "reader", conn.Reader, "index", conn.ReaderIdx)

	readerOpts := mrtd.Options{Logger: slog.Default(), Timeout: cfg.Timeout()}
	if cfg.Runtime.MaxBlockSize != nil {
		readerOpts.MaxBlockSize = *cfg.Runtime.MaxBlockSize
	}
	if paths := cfg.AnchorPaths(); len(paths) > 0 {
		readerOpts.Anchors = mrtd.AnchorFiles(slog.Default(), paths...)
	} else {
		slog.Warn("no trust anchors configured, passive authentication will fail")
	}

	rec, err := mrtd.NewReader(conn, readerOpts).Read(ctx, seed)
	if err != nil {
		conn.Close()
		log.Fatalf("read failed (%s): %v", mrtd.KindOf(err), err)
	}

	dir := firstNonEmpty(*outDir, cfg.Output.Dir)
	if dir != "" {
		written, err := writeImages(dir, rec)
		if err != nil {
			conn.Close()
			log.Fatalf("write images failed: %v", err)
		}
		for _, p := range written {
			slog.Info("image written", "path", p)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		conn.Close()
		log.Fatalf("encode record failed: %v", err)
	}
}

// loadConfig loads the explicit config file, or the discovered one when it
// exists. Without any file the zero config is used.
func loadConfig(explicit string) (*config.Config, error) {
	if explicit != "" {
		return config.LoadWithMode(explicit, config.ValidationRead)
	}
	path, err := defaultConfigPath()
	if err != nil {
		return nil, err
	}
	if !fileExists(path) {
		slog.Debug("no config file, using flags only", "looked_for", path)
		return &config.Config{}, nil
	}
	fmt.Fprintf(os.Stderr, "Using config: %s\n", path)
	return config.LoadWithMode(path, config.ValidationRead)
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
