package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jlutukai/passport-nfc-reader/internal/config"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/emulator"
)

func TestRunStopsWithContext(t *testing.T) {
	doc, err := emulator.NewDocument(emulator.Config{})
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "csca.der"), doc.CSCA.Raw, 0o644))

	cfg := &config.Config{
		Trust:  config.TrustConfig{CSCADir: dir},
		Server: config.ServerConfig{Addr: "127.0.0.1:0"},
	}
	require.NoError(t, cfg.ValidateWithMode(config.ValidationServe))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestRunFailsOnMissingAnchors(t *testing.T) {
	cfg := &config.Config{
		Trust:  config.TrustConfig{MasterListFile: filepath.Join(t.TempDir(), "missing.ml")},
		Server: config.ServerConfig{Addr: "127.0.0.1:0"},
	}
	require.Error(t, run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
}
