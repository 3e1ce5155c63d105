package tor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/DerWahreMirakulix/metor/internal/onion"
)

// ErrNoAddress means the hidden service has not been created yet.
var ErrNoAddress = errors.New("tor: no onion address yet")

func hostnamePath(dir string) string {
	return filepath.Join(dir, "hostname")
}

// EnsureServiceDir creates dir with the permissions tor insists on.
func EnsureServiceDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tor: hidden service dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("tor: hidden service dir: %w", err)
	}
	return nil
}

// Launcher boots tor once so that it writes the hidden service keys and
// hostname, and returns a function that stops it.
type Launcher func(ctx context.Context) (stop func() error, err error)

// Provider reads the local address from a HiddenServiceDir.
type Provider struct {
	dir    string
	launch Launcher
}

// NewProvider creates a Provider for dir. launch is used by Generate.
func NewProvider(dir string, launch Launcher) *Provider {
	return &Provider{dir: dir, launch: launch}
}

// Dir returns the hidden service directory.
func (p *Provider) Dir() string { return p.dir }

// Address returns the onion address in the hostname file.
func (p *Provider) Address() (string, error) {
	b, err := os.ReadFile(hostnamePath(p.dir))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoAddress
	}
	if err != nil {
		return "", fmt.Errorf("tor: read hostname: %w", err)
	}
	addr, err := onion.Resolve(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("tor: hostname: %w", err)
	}
	return addr, nil
}

// Generate wipes the hidden service keys and boots tor once to mint a new
// service. The caller must make sure no chat is using the directory.
func (p *Provider) Generate(ctx context.Context) (string, error) {
	if p.launch == nil {
		return "", errors.New("tor: no launcher configured")
	}
	if err := os.RemoveAll(p.dir); err != nil {
		return "", fmt.Errorf("tor: remove hidden service: %w", err)
	}
	if err := EnsureServiceDir(p.dir); err != nil {
		return "", err
	}
	stop, err := p.launch(ctx)
	if err != nil {
		return "", err
	}
	addr, addrErr := p.Address()
	if err := stop(); err != nil && addrErr == nil {
		return "", fmt.Errorf("tor: stop: %w", err)
	}
	return addr, addrErr
}
