package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DerWahreMirakulix/metor/internal/session"
)

const (
	promptText   = "> "
	closeTimeout = 10 * time.Second

	// connectingDelay is how long an attempt may take before a
	// "connecting" line is shown.
	connectingDelay = 50 * time.Millisecond
)

// Session is the part of *session.Machine the controller drives.
type Session interface {
	Connect(ctx context.Context, target string, anonymous bool) error
	End(ctx context.Context) error
	Send(text string) error
	Status() session.Status
	Events() <-chan session.Event
	Close(ctx context.Context) error
}

var _ Session = (*session.Machine)(nil)

// Controller runs the chat prompt.
type Controller struct {
	sess   Session
	prompt Prompter
	out    *Renderer
	log    zerolog.Logger

	wg sync.WaitGroup
}

func NewController(sess Session, prompt Prompter, out *Renderer, log zerolog.Logger) *Controller {
	return &Controller{sess: sess, prompt: prompt, out: out, log: log.With().Str("component", "chat").Logger()}
}

// Run shows the prompt and executes commands until /exit, end of input or
// ctx is done. The session is closed before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.out.Help()

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		c.renderEvents()
	}()

	// The prompt goroutine waits for each prompt request so that command
	// output is written before the next prompt is shown.
	prompt := make(chan string)
	inputs := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(inputs)
		for {
			var p string
			select {
			case p = <-prompt:
			case <-stop:
				return
			}
			line, err := c.prompt.Prompt(p)
			if err != nil {
				c.log.Debug().Err(err).Msg("prompt closed")
				return
			}
			select {
			case inputs <- line:
			case <-stop:
				return
			}
		}
	}()

loop:
	for {
		prompt <- promptText
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-inputs:
			if !ok {
				break loop
			}
			if c.handle(ctx, line) {
				break loop
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := c.sess.Close(closeCtx)
	c.wg.Wait()
	<-rendered
	if perr := c.prompt.Close(); perr != nil {
		c.log.Debug().Err(perr).Msg("prompt close")
	}
	return err
}

// handle executes one line and reports whether the chat should stop.
func (c *Controller) handle(ctx context.Context, line string) bool {
	cmd := Parse(line)
	if cmd.Kind != CmdEmpty {
		c.prompt.AppendHistory(line)
	}

	switch cmd.Kind {
	case CmdEmpty:
	case CmdInvalid:
		c.out.Info("%v", cmd.Err)
	case CmdUnknown:
		if c.sess.Status().State == session.StateConnected {
			c.send(line)
			break
		}
		c.out.Info("Unknown command %s. Type /help for the list of commands.", cmd.Text)
	case CmdHelp:
		c.out.Help()
	case CmdClear:
		c.out.Clear()
		c.out.Help()
		if st := c.sess.Status(); st.State == session.StateConnected {
			c.out.Info("connected with %s", st.Peer)
		}
	case CmdConnect:
		c.connect(ctx, cmd)
	case CmdEnd:
		c.end(ctx)
	case CmdExit:
		return true
	case CmdMessage:
		c.send(cmd.Text)
	}
	return false
}

// connect runs the attempt in the background so that /end can abort it.
// Success is rendered from the Connected event.
func (c *Controller) connect(ctx context.Context, cmd Command) {
	done := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		done <- c.sess.Connect(ctx, cmd.Target, cmd.Anonymous)
	}()

	select {
	case err := <-done:
		c.renderConnectError(cmd.Target, err)
		return
	case <-time.After(connectingDelay):
	}
	c.out.Info("connecting to %s ...", cmd.Target)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.renderConnectError(cmd.Target, <-done)
	}()
}

func (c *Controller) renderConnectError(target string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSelfConnect):
		c.out.Info("Error: Cannot connect to yourself.")
	case errors.Is(err, session.ErrInvalidTarget):
		c.out.Info("Error: %s is not a valid address.", target)
	case errors.Is(err, session.ErrAlreadyActive):
		var serr *session.Error
		if errors.As(err, &serr) {
			c.out.Info("%s", serr.Message)
		} else {
			c.out.Info("%v", err)
		}
	case errors.Is(err, session.ErrPeerRejected):
		c.out.Info("rejected")
	case errors.Is(err, session.ErrAborted):
		c.out.Info("connection attempt aborted")
	case errors.Is(err, context.DeadlineExceeded):
		c.out.Info("connection to %s timed out", target)
	case errors.Is(err, session.ErrClosed):
	default:
		c.out.Info("connection to %s failed", target)
		c.log.Warn().Err(err).Str("peer", target).Msg("connect failed")
	}
}

func (c *Controller) end(ctx context.Context) {
	err := c.sess.End(ctx)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		c.out.Info("No active connection.")
	case err != nil:
		c.out.Info("Error: %v", err)
	}
}

func (c *Controller) send(text string) {
	err := c.sess.Send(text)
	switch {
	case err == nil:
		c.out.Self(text)
	case errors.Is(err, session.ErrNotConnected):
		c.out.Info("No active connection. Use /connect to initiate a connection.")
	default:
		c.out.Info("Error sending message.")
		c.log.Warn().Err(err).Msg("send failed")
	}
}

func (c *Controller) renderEvents() {
	for ev := range c.sess.Events() {
		switch ev.Type {
		case session.EventConnected:
			c.out.Info("connected with %s", ev.Peer)
		case session.EventDisconnected:
			if ev.Note != "" {
				c.out.Info("disconnected (%s)", ev.Note)
			} else {
				c.out.Info("disconnected")
			}
		case session.EventRejected:
			c.out.Info("%s incoming - rejected", ev.Peer)
		case session.EventMessage:
			c.out.Other(ev.Text)
		case session.EventHistoryError:
			c.out.Info("Warning: %v", ev.Err)
		}
	}
}
