// Package config resolves the runtime configuration of metor.
//
// Values come from, in increasing priority: built-in defaults, the optional
// <data>/metor.env file, and METOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	TransportTor = "tor"
	TransportTCP = "tcp"

	EnvFile = "metor.env"
)

// Config is the resolved configuration.
type Config struct {
	DataDir string

	HiddenServiceDir string
	TorDataDir       string
	HistoryPath      string
	LockPath         string
	LogPath          string

	// Transport is "tor" or "tcp".
	Transport string
	// ListenAddr is the local listen address in tcp mode, and the local end
	// of the hidden service mapping in tor mode (empty picks a free port).
	ListenAddr string
	TorBinary  string
	SocksPort  int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	BootstrapTimeout time.Duration

	LogLevel    zerolog.Level
	MetricsAddr string
}

// DefaultDataDir returns ~/.metor, or .metor when there is no home dir.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".metor"
	}
	return filepath.Join(home, ".metor")
}

// Load resolves the configuration for dataDir. An empty dataDir means
// METOR_DATA or the default.
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = os.Getenv("METOR_DATA")
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	// godotenv.Load never overrides variables already set in the process.
	envPath := filepath.Join(dataDir, EnvFile)
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: %s: %w", envPath, err)
	}

	c := &Config{
		DataDir:          dataDir,
		HiddenServiceDir: filepath.Join(dataDir, "hidden_service"),
		TorDataDir:       filepath.Join(dataDir, "tor"),
		HistoryPath:      filepath.Join(dataDir, "history.db"),
		LockPath:         filepath.Join(dataDir, "chat.lock"),
		LogPath:          filepath.Join(dataDir, "metor.log"),
		Transport:        TransportTor,
		TorBinary:        "tor",
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		BootstrapTimeout: 90 * time.Second,
		LogLevel:         zerolog.InfoLevel,
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("METOR_TRANSPORT", &c.Transport)
	str("METOR_LISTEN", &c.ListenAddr)
	str("METOR_TOR", &c.TorBinary)
	num("METOR_SOCKS_PORT", &c.SocksPort)
	dur("METOR_DIAL_TIMEOUT", &c.DialTimeout)
	dur("METOR_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	dur("METOR_BOOTSTRAP_TIMEOUT", &c.BootstrapTimeout)
	str("METOR_METRICS", &c.MetricsAddr)
	if v := os.Getenv("METOR_LOG_LEVEL"); v != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("METOR_LOG_LEVEL: %w", err))
		} else {
			c.LogLevel = lvl
		}
	}

	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case TransportTor:
	case TransportTCP:
		if c.ListenAddr == "" {
			errs = append(errs, errors.New("METOR_LISTEN is required for the tcp transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("METOR_TRANSPORT: unknown transport %q", c.Transport))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("config: data dir: %w", err)
	}
	return nil
}
