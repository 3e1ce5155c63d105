package chat

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

const helpText = `Chat mode commands:
  /connect [onion] [--anonymous/-a]   Connect to a remote peer
  /end                                End the current connection
  /clear                              Clear the chat display
  /help                               Show this help
  /exit                               Exit chat mode
`

// Renderer writes chat output. Lines are prefixed with self>, other> or
// info> and, on a terminal, coloured and written over the current prompt
// line.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer

	ansi  bool
	self  func(a ...interface{}) string
	other func(a ...interface{}) string
	info  func(a ...interface{}) string
}

// NewRenderer creates a Renderer writing to out. With ansi unset no escape
// sequences are written at all.
func NewRenderer(out io.Writer, ansi bool) *Renderer {
	mk := func(attr color.Attribute) func(a ...interface{}) string {
		c := color.New(attr)
		if ansi {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &Renderer{
		out:   out,
		ansi:  ansi,
		self:  mk(color.FgGreen),
		other: mk(color.FgBlue),
		info:  mk(color.FgYellow),
	}
}

func (r *Renderer) line(prefix, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ansi {
		fmt.Fprint(r.out, "\r\033[K")
	}
	fmt.Fprintf(r.out, "%s %s\n", prefix, text)
}

// Self renders a line the local user sent.
func (r *Renderer) Self(text string) { r.line(r.self("self>"), text) }

// Other renders a line received from the peer.
func (r *Renderer) Other(text string) { r.line(r.other("other>"), text) }

// Info renders a status line.
func (r *Renderer) Info(format string, args ...interface{}) {
	r.line(r.info("info>"), fmt.Sprintf(format, args...))
}

// Print writes text verbatim.
func (r *Renderer) Print(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, text)
}

func (r *Renderer) Help() { r.Print(helpText) }

// Clear wipes the terminal. It does nothing without ANSI support.
func (r *Renderer) Clear() {
	if r.ansi {
		r.Print("\033[H\033[2J")
	}
}
