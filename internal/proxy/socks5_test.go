package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// socksRequest is what the fake tor saw for one CONNECT.
type socksRequest struct {
	user, password string
	host           string
	port           int
}

// fakeTor is a minimal SOCKS5 server (RFC 1928 CONNECT, RFC 1929 auth) that
// forwards every stream to upstream, standing in for tor's SocksPort.
type fakeTor struct {
	ln       net.Listener
	upstream string

	mu       sync.Mutex
	requests []socksRequest
}

func startFakeTor(t *testing.T, upstream string) *fakeTor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeTor{ln: ln, upstream: upstream}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeTor) addr() string { return s.ln.Addr().String() }

func (s *fakeTor) seen() []socksRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]socksRequest(nil), s.requests...)
}

func (s *fakeTor) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeTor) handleConn(conn net.Conn) {
	defer conn.Close()

	var req socksRequest
	if err := s.handshake(conn, &req); err != nil {
		return
	}
	host, port, err := readRequest(conn)
	if err != nil {
		writeReply(conn, 0x07)
		return
	}
	req.host, req.port = host, port
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.upstream == "" {
		writeReply(conn, 0x04) // host unreachable
		return
	}
	upstream, err := net.Dial("tcp", s.upstream)
	if err != nil {
		writeReply(conn, 0x05)
		return
	}
	defer upstream.Close()
	writeReply(conn, 0x00)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, conn) //nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream) //nolint:errcheck
		done <- struct{}{}
	}()
	<-done
}

func (s *fakeTor) handshake(conn net.Conn, req *socksRequest) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("not SOCKS5")
	}
	methods := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	for _, m := range methods {
		if m == 0x02 {
			conn.Write([]byte{0x05, 0x02}) //nolint:errcheck
			return readUserPass(conn, req)
		}
	}
	conn.Write([]byte{0x05, 0x00}) //nolint:errcheck
	return nil
}

func readUserPass(conn net.Conn, req *socksRequest) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	user := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	pass := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}
	req.user, req.password = string(user), string(pass)
	_, err := conn.Write([]byte{0x01, 0x00})
	return err
}

func readRequest(conn net.Conn) (host string, port int, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return
	}
	if hdr[0] != 0x05 || hdr[1] != 0x01 {
		err = fmt.Errorf("only CONNECT supported")
		return
	}

	switch hdr[3] {
	case 0x01:
		addr := make([]byte, 4)
		io.ReadFull(conn, addr) //nolint:errcheck
		host = net.IP(addr).String()
	case 0x03:
		lenBuf := make([]byte, 1)
		io.ReadFull(conn, lenBuf) //nolint:errcheck
		domain := make([]byte, int(lenBuf[0]))
		io.ReadFull(conn, domain) //nolint:errcheck
		host = string(domain)
	default:
		err = fmt.Errorf("unknown address type %d", hdr[3])
		return
	}

	portBuf := make([]byte, 2)
	io.ReadFull(conn, portBuf) //nolint:errcheck
	port = int(binary.BigEndian.Uint16(portBuf))
	return
}

func writeReply(conn net.Conn, status byte) {
	reply := []byte{0x05, status, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	conn.Write(reply) //nolint:errcheck
}
