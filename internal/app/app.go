// Package app wires configuration into the stores, transports and session
// machine used by the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/DerWahreMirakulix/metor/internal/config"
	"github.com/DerWahreMirakulix/metor/internal/history"
	"github.com/DerWahreMirakulix/metor/internal/metrics"
	"github.com/DerWahreMirakulix/metor/internal/onion"
	"github.com/DerWahreMirakulix/metor/internal/proxy"
	"github.com/DerWahreMirakulix/metor/internal/session"
	"github.com/DerWahreMirakulix/metor/internal/tor"
	"github.com/DerWahreMirakulix/metor/internal/transport"
)

// App holds what every command needs.
type App struct {
	Config  *config.Config
	Log     zerolog.Logger
	History *history.Store

	logFile *os.File
}

// New opens the log file and the history store under cfg.DataDir.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("app: open log: %w", err)
	}
	log := zerolog.New(f).Level(cfg.LogLevel).With().Timestamp().Logger()

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &App{Config: cfg, Log: log, History: store, logFile: f}, nil
}

// Close releases the log file.
func (a *App) Close() error {
	return a.logFile.Close()
}

// Addresses returns the address provider of the configured transport.
func (a *App) Addresses() session.AddressProvider {
	if a.Config.Transport == config.TransportTCP {
		return fixedAddress(a.Config.ListenAddr)
	}
	return tor.NewProvider(a.Config.HiddenServiceDir, a.launchTor)
}

func (a *App) torConfig() tor.Config {
	return tor.Config{
		Binary:           a.Config.TorBinary,
		DataDir:          a.Config.TorDataDir,
		HiddenServiceDir: a.Config.HiddenServiceDir,
		SocksPort:        a.Config.SocksPort,
		BootstrapTimeout: a.Config.BootstrapTimeout,
	}
}

func (a *App) launchTor(ctx context.Context) (func() error, error) {
	p, err := tor.Start(ctx, a.torConfig(), a.Log)
	if err != nil {
		return nil, err
	}
	return p.Stop, nil
}

func (a *App) resolver() func(string) (string, error) {
	if a.Config.Transport == config.TransportTCP {
		return nil
	}
	return onion.Resolve
}

// GenerateAddress replaces the local address. It fails with SessionActive
// while a chat holds the data directory.
func (a *App) GenerateAddress(ctx context.Context) (string, error) {
	lock, err := config.AcquireChatLock(a.Config.LockPath)
	if errors.Is(err, config.ErrChatRunning) {
		return "", session.NewErrorWithCause(session.ErrCodeSessionActive, "cannot generate an address while a chat is running", err)
	}
	if err != nil {
		return "", err
	}
	defer lock.Release() //nolint:errcheck

	m, err := session.New(session.Config{Addresses: a.Addresses(), Logger: &a.Log})
	if err != nil {
		return "", err
	}
	defer m.Close(ctx) //nolint:errcheck
	return m.GenerateAddress(ctx)
}

// Chat is a running session machine with everything it holds.
type Chat struct {
	Machine *session.Machine
	Address string

	lock        *config.ChatLock
	tor         *tor.Process
	stopMetrics context.CancelFunc
	log         zerolog.Logger
}

// StartChat takes the chat lock, brings up the transport (booting tor in tor
// mode) and arms the session machine. Failures here are fatal to the chat.
func (a *App) StartChat(ctx context.Context) (_ *Chat, err error) {
	lock, err := config.AcquireChatLock(a.Config.LockPath)
	if err != nil {
		return nil, err
	}
	c := &Chat{lock: lock, stopMetrics: func() {}, log: a.Log}
	defer func() {
		if err != nil {
			c.release()
		}
	}()

	var tr transport.Transport
	switch a.Config.Transport {
	case config.TransportTCP:
		tr = transport.NewTCP(a.Config.ListenAddr)
	default:
		cfg := a.torConfig()
		if a.Config.ListenAddr != "" {
			if cfg.ServicePort, err = portOf(a.Config.ListenAddr); err != nil {
				return nil, err
			}
		}
		if c.tor, err = tor.Start(ctx, cfg, a.Log); err != nil {
			return nil, err
		}
		eff := c.tor.Config()
		tr = proxy.New(eff.SocksAddr(), eff.ServiceAddr())
	}

	reg := prometheus.NewRegistry()
	mx := metrics.New("", reg)
	if a.Config.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(context.Background())
		c.stopMetrics = cancel
		go func() {
			if err := metrics.Serve(mctx, a.Config.MetricsAddr, reg, a.Log); err != nil {
				a.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	c.Machine, err = session.New(session.Config{
		Addresses:        a.Addresses(),
		Transport:        tr,
		History:          a.History,
		Logger:           &a.Log,
		Metrics:          mx,
		Resolve:          a.resolver(),
		DialTimeout:      a.Config.DialTimeout,
		HandshakeTimeout: a.Config.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err = c.Machine.Start(ctx); err != nil {
		return nil, err
	}
	if c.Address, err = c.Machine.LocalAddress(); err != nil {
		_ = c.Machine.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Close releases the transport, tor and the lock. The machine itself is
// closed by whoever runs the chat.
func (c *Chat) Close(ctx context.Context) error {
	err := c.Machine.Close(ctx)
	c.release()
	return err
}

func (c *Chat) release() {
	c.stopMetrics()
	if c.tor != nil {
		if err := c.tor.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("stop tor")
		}
	}
	if err := c.lock.Release(); err != nil {
		c.log.Warn().Err(err).Msg("release chat lock")
	}
}
