package safeftp

import (
	"bufio"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Stream is one end of a control or data channel.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Available reports how many bytes can be read without blocking.
	Available() int

	// Connected reports whether the peer may still deliver bytes.
	Connected() bool
}

// Transport opens streams by host name and port. The client needs two
// independent streams: one for the control channel and one per transfer.
type Transport interface {
	Dial(host string, port int) (Stream, error)
}

// Clock abstracts time so bounded waits can be driven without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type wallClock struct{}

func (wallClock) Now() time.Time        { return time.Now() }
func (wallClock) Sleep(d time.Duration) { time.Sleep(d) }

// NetTransport dials TCP connections with net.Dialer.
type NetTransport struct {
	// Dialer is used to establish connections. A zero Dialer is fine.
	Dialer net.Dialer

	// Timeout bounds every blocking read or write on an established stream.
	Timeout time.Duration

	// Probe is how long Available waits for the first byte before
	// reporting that nothing is pending.
	Probe time.Duration
}

// Dial connects to host:port.
func (t *NetTransport) Dial(host string, port int) (Stream, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := t.Dialer.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	probe := t.Probe
	if probe <= 0 {
		probe = time.Millisecond
	}
	return &netStream{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: t.Timeout,
		probe:   probe,
	}, nil
}

// netStream wraps a net.Conn, sets a deadline before every operation and
// answers Available by peeking with a short deadline.
type netStream struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	probe   time.Duration
	eof     bool
	closed  bool
}

func (s *netStream) Read(b []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.reader.Read(b)
	if err != nil && !isTimeout(err) {
		s.eof = true
	}
	return n, err
}

func (s *netStream) Write(b []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	return s.conn.Write(b)
}

func (s *netStream) Available() int {
	if n := s.reader.Buffered(); n > 0 {
		return n
	}
	if s.eof || s.closed {
		return 0
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.probe)); err != nil {
		s.eof = true
		return 0
	}
	if _, err := s.reader.Peek(1); err != nil {
		if !isTimeout(err) {
			s.eof = true
		}
		return 0
	}
	return s.reader.Buffered()
}

func (s *netStream) Connected() bool {
	return !s.eof && !s.closed
}

func (s *netStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
