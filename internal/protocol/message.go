// Package protocol defines the metor wire format.
//
// Every message is a single newline-terminated UTF-8 line of at most
// MaxLineSize bytes. Control messages start with a slash command; any other
// line is chat text. Chat text that itself starts with a slash is carried
// as "/msg <text>" so it can never be mistaken for a control message.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxLineSize bounds one encoded line including the trailing newline.
	MaxLineSize = 4096

	// Anonymous is the identity a dialer announces when it hides its address.
	Anonymous = "anonymous"
)

// Type identifies a wire message.
type Type string

const (
	TypeInit       Type = "init"       // dialer → acceptor: identity
	TypeAccept     Type = "accept"     // acceptor → dialer: session admitted
	TypeReject     Type = "reject"     // acceptor → dialer: busy
	TypeDisconnect Type = "disconnect" // either side: session ending
	TypeChat       Type = "msg"        // chat text
)

var (
	ErrLineTooLong = errors.New("protocol: line exceeds MaxLineSize")
	ErrNewline     = errors.New("protocol: message body contains a newline")
)

// Message is one decoded line.
type Message struct {
	Type Type
	Body string
}

func Init(identity string) Message { return Message{Type: TypeInit, Body: identity} }
func Accept(address string) Message { return Message{Type: TypeAccept, Body: address} }
func Reject(address string) Message { return Message{Type: TypeReject, Body: address} }
func Disconnect(address string) Message { return Message{Type: TypeDisconnect, Body: address} }
func Chat(text string) Message { return Message{Type: TypeChat, Body: text} }

func (m Message) String() string {
	return fmt.Sprintf("%s(%q)", m.Type, m.Body)
}

// Encode renders m as one wire line including the trailing newline.
func Encode(m Message) ([]byte, error) {
	if strings.ContainsAny(m.Body, "\r\n") {
		return nil, ErrNewline
	}
	var line string
	switch m.Type {
	case TypeInit, TypeAccept, TypeReject, TypeDisconnect:
		line = "/" + string(m.Type) + " " + m.Body
	case TypeChat:
		if strings.HasPrefix(m.Body, "/") {
			line = "/" + string(TypeChat) + " " + m.Body
		} else {
			line = m.Body
		}
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", m.Type)
	}
	if len(line)+1 > MaxLineSize {
		return nil, ErrLineTooLong
	}
	return []byte(line + "\n"), nil
}

// Decode parses one line without its terminator. Unknown slash commands
// decode as chat text.
func Decode(line []byte) Message {
	s := strings.TrimRight(string(line), "\r\n")
	if !strings.HasPrefix(s, "/") {
		return Chat(s)
	}
	cmd, body, _ := strings.Cut(s[1:], " ")
	switch t := Type(cmd); t {
	case TypeChat:
		return Chat(body)
	case TypeInit, TypeAccept, TypeReject, TypeDisconnect:
		return Message{Type: t, Body: strings.TrimSpace(body)}
	}
	return Chat(s)
}

// Reader decodes messages from a byte stream.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxLineSize)}
}

// ReadMessage returns the next message. A final line without a newline is
// still delivered; the following call returns io.EOF.
func (r *Reader) ReadMessage() (Message, error) {
	line, err := r.br.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return Message{}, ErrLineTooLong
	case err == io.EOF && len(line) > 0:
		return Decode(line), nil
	case err != nil:
		return Message{}, err
	}
	return Decode(line), nil
}

// WriteMessage encodes m and writes it in a single call.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
