package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	// ValidationRead checks what the reader CLI needs: a PC/SC reader and
	// optional document defaults.
	ValidationRead ValidationMode = iota
	// ValidationServe checks what the verification service needs: a listen
	// address and at least one trust anchor source.
	ValidationServe
)

type Config struct {
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Trust    TrustConfig    `yaml:"trust"`
	Document DocumentConfig `yaml:"document"`
	Output   OutputConfig   `yaml:"output"`
	Server   ServerConfig   `yaml:"server"`
}

type RuntimeConfig struct {
	ReaderIndex  *int `yaml:"reader_index"`
	TimeoutMS    *int `yaml:"timeout_ms"`
	MaxBlockSize *int `yaml:"max_block_size"`
}

type TrustConfig struct {
	MasterListFile string `yaml:"master_list_file"`
	CSCADir        string `yaml:"csca_dir"`
}

type DocumentConfig struct {
	Number     string `yaml:"number"`
	BirthDate  string `yaml:"birth_date"`
	ExpiryDate string `yaml:"expiry_date"`
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationRead)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationRead)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationRead:
		return c.validateReadMode()
	case ValidationServe:
		return c.validateServeMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if c.Runtime.TimeoutMS != nil && *c.Runtime.TimeoutMS <= 0 {
		return fmt.Errorf("config.runtime.timeout_ms must be > 0")
	}
	if c.Runtime.MaxBlockSize != nil && (*c.Runtime.MaxBlockSize < 1 || *c.Runtime.MaxBlockSize > 0xDF) {
		return fmt.Errorf("config.runtime.max_block_size must be 1..223")
	}
	if c.Trust.MasterListFile != "" {
		if err := validateReadableFile(c.Trust.MasterListFile, "config.trust.master_list_file"); err != nil {
			return err
		}
	}
	if c.Trust.CSCADir != "" {
		if err := validateDir(c.Trust.CSCADir, "config.trust.csca_dir"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateReadMode() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	for field, v := range map[string]string{
		"config.document.birth_date":  c.Document.BirthDate,
		"config.document.expiry_date": c.Document.ExpiryDate,
	} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return fmt.Errorf("%s must be YYYY-MM-DD: %w", field, err)
		}
	}
	return nil
}

func (c *Config) validateServeMode() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("config.server.addr is invalid: %w", err)
	}
	if len(c.AnchorPaths()) == 0 {
		return fmt.Errorf("config.trust needs master_list_file or csca_dir")
	}
	return nil
}

// Timeout returns the per-exchange timeout, zero when unset.
func (c *Config) Timeout() time.Duration {
	if c.Runtime.TimeoutMS == nil {
		return 0
	}
	return time.Duration(*c.Runtime.TimeoutMS) * time.Millisecond
}

// AnchorPaths lists the configured trust anchor sources.
func (c *Config) AnchorPaths() []string {
	var out []string
	if c.Trust.MasterListFile != "" {
		out = append(out, c.Trust.MasterListFile)
	}
	if c.Trust.CSCADir != "" {
		out = append(out, c.Trust.CSCADir)
	}
	return out
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Trust.MasterListFile = resolvePath(configDir, c.Trust.MasterListFile)
	c.Trust.CSCADir = resolvePath(configDir, c.Trust.CSCADir)
	c.Output.Dir = resolvePath(configDir, c.Output.Dir)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

func validateDir(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s must point to a directory", field)
	}
	return nil
}
