package chat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// Prompter reads lines of input.
type Prompter interface {
	// Prompt shows prompt and returns the next line. Any error ends the
	// chat, including an interrupt at the prompt.
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// NewPrompter returns a line editor with in-memory input history on a
// terminal and a plain line reader otherwise. Input history is never
// written to disk.
func NewPrompter() Prompter {
	if !liner.TerminalSupported() {
		return dumbterm{r: bufio.NewReader(os.Stdin), w: os.Stdout}
	}
	lr := liner.NewLiner()
	lr.SetCtrlCAborts(true)
	return linePrompter{lr}
}

type linePrompter struct {
	*liner.State
}

func (p linePrompter) Prompt(prompt string) (string, error) {
	line, err := p.State.Prompt(prompt)
	if err == liner.ErrPromptAborted {
		return "", io.EOF
	}
	return line, err
}

type dumbterm struct {
	r *bufio.Reader
	w io.Writer
}

func (d dumbterm) Prompt(p string) (string, error) {
	fmt.Fprint(d.w, p)
	line, err := d.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d dumbterm) AppendHistory(string) {}

func (d dumbterm) Close() error { return nil }
