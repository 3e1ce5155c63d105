// Package tor runs the tor daemon that publishes the hidden service and
// provides the local address backed by its HiddenServiceDir.
package tor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBinary           = "tor"
	DefaultVirtualPort      = 80
	DefaultBootstrapTimeout = 90 * time.Second

	stopGrace = 5 * time.Second
)

var ErrBootstrapTimeout = errors.New("tor: bootstrap timed out")

// Config describes one tor instance.
type Config struct {
	Binary  string
	DataDir string // tor's DataDirectory

	HiddenServiceDir string
	SocksPort        int
	// ServicePort is the local port the hidden service forwards to.
	ServicePort int
	VirtualPort int

	BootstrapTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.VirtualPort == 0 {
		c.VirtualPort = DefaultVirtualPort
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
}

// Torrc renders the configuration file for c.
func (c Config) Torrc() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SocksPort 127.0.0.1:%d\n", c.SocksPort)
	fmt.Fprintf(&b, "DataDirectory %s\n", c.DataDir)
	fmt.Fprintf(&b, "HiddenServiceDir %s\n", c.HiddenServiceDir)
	fmt.Fprintf(&b, "HiddenServicePort %d 127.0.0.1:%d\n", c.VirtualPort, c.ServicePort)
	b.WriteString("Log notice stdout\n")
	return b.String()
}

// SocksAddr is the address of the SOCKS port.
func (c Config) SocksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.SocksPort)
}

// ServiceAddr is the local address inbound links arrive on.
func (c Config) ServiceAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.ServicePort)
}

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Process is a running tor daemon.
type Process struct {
	cfg Config
	cmd *exec.Cmd
	log zerolog.Logger

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Start launches tor with cfg and blocks until it reports full bootstrap
// and the hidden service hostname exists, or the bootstrap timeout or ctx
// expires. Zero ports are replaced with free ones.
func Start(ctx context.Context, cfg Config, log zerolog.Logger) (*Process, error) {
	cfg.setDefaults()
	log = log.With().Str("component", "tor").Logger()

	var err error
	for _, p := range []*int{&cfg.SocksPort, &cfg.ServicePort} {
		if *p == 0 {
			if *p, err = FreePort(); err != nil {
				return nil, fmt.Errorf("tor: pick port: %w", err)
			}
		}
	}
	if err := EnsureServiceDir(cfg.HiddenServiceDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("tor: data dir: %w", err)
	}
	torrc := filepath.Join(cfg.DataDir, "torrc")
	if err := os.WriteFile(torrc, []byte(cfg.Torrc()), 0o600); err != nil {
		return nil, fmt.Errorf("tor: write torrc: %w", err)
	}

	cmd := exec.Command(cfg.Binary, "-f", torrc)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tor: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tor: start %s: %w", cfg.Binary, err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Int("socks_port", cfg.SocksPort).Int("service_port", cfg.ServicePort).Msg("tor started")

	p := &Process{cfg: cfg, cmd: cmd, log: log, exited: make(chan struct{})}
	bootstrapped := make(chan struct{})
	lastLine := make(chan string, 1)
	go p.scan(stdout, bootstrapped, lastLine)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	bootCtx, cancel := context.WithTimeout(ctx, cfg.BootstrapTimeout)
	defer cancel()

	select {
	case <-bootstrapped:
	case <-p.exited:
		line := <-lastLine
		return nil, fmt.Errorf("tor: exited during bootstrap: %v: %s", p.waitErr, line)
	case <-bootCtx.Done():
		_ = p.Stop()
		if errors.Is(bootCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrBootstrapTimeout
		}
		return nil, fmt.Errorf("tor: %w", bootCtx.Err())
	}

	if err := waitForFile(bootCtx, hostnamePath(cfg.HiddenServiceDir)); err != nil {
		_ = p.Stop()
		return nil, fmt.Errorf("tor: hostname: %w", err)
	}
	log.Info().Msg("tor bootstrapped")
	return p, nil
}

// scan forwards tor's output to the log and signals full bootstrap. The
// last line seen is handed over when the output ends.
func (p *Process) scan(r io.Reader, bootstrapped chan<- struct{}, lastLine chan<- string) {
	var last string
	once := sync.Once{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		last = sc.Text()
		p.log.Debug().Msg(last)
		if strings.Contains(last, "Bootstrapped 100%") {
			once.Do(func() { close(bootstrapped) })
		}
	}
	lastLine <- last
}

func waitForFile(ctx context.Context, path string) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Config returns the effective configuration, ports included.
func (p *Process) Config() Config {
	return p.cfg
}

// Stop interrupts tor and kills it if it has not exited after a grace
// period.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			p.stopErr = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			p.log.Warn().Msg("tor ignored interrupt, killing")
			p.stopErr = p.cmd.Process.Kill()
			<-p.exited
		}
		p.log.Info().Msg("tor stopped")
	})
	return p.stopErr
}
