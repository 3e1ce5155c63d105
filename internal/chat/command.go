// Package chat is the interactive front end of a session: it parses prompt
// input, drives the session machine and renders what happens.
package chat

import (
	"errors"
	"strings"
)

// Kind classifies a line of prompt input.
type Kind int

const (
	CmdEmpty Kind = iota
	CmdMessage
	CmdConnect
	CmdEnd
	CmdClear
	CmdExit
	CmdHelp
	CmdUnknown
	CmdInvalid
)

// Command is one parsed line of input.
type Command struct {
	Kind Kind

	// Target and Anonymous are set for CmdConnect.
	Target    string
	Anonymous bool

	// Text is the chat line for CmdMessage and the command word for
	// CmdUnknown.
	Text string

	// Err explains a CmdInvalid.
	Err error
}

var errConnectUsage = errors.New("usage: /connect <onion> [--anonymous|-a]")

// Parse interprets one line of input. Lines starting with '/' are commands;
// anything else is a chat message sent as typed.
func Parse(line string) Command {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: CmdEmpty}
	}
	if !strings.HasPrefix(trimmed, "/") {
		return Command{Kind: CmdMessage, Text: line}
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/connect":
		return parseConnect(fields[1:])
	case "/end":
		return Command{Kind: CmdEnd}
	case "/clear":
		return Command{Kind: CmdClear}
	case "/exit":
		return Command{Kind: CmdExit}
	case "/help":
		return Command{Kind: CmdHelp}
	default:
		return Command{Kind: CmdUnknown, Text: fields[0]}
	}
}

func parseConnect(args []string) Command {
	cmd := Command{Kind: CmdConnect}
	for _, arg := range args {
		switch arg {
		case "-a", "--anonymous", "anonymous":
			cmd.Anonymous = true
		default:
			if cmd.Target != "" || strings.HasPrefix(arg, "-") {
				return Command{Kind: CmdInvalid, Err: errConnectUsage}
			}
			cmd.Target = arg
		}
	}
	if cmd.Target == "" {
		return Command{Kind: CmdInvalid, Err: errConnectUsage}
	}
	return cmd
}
