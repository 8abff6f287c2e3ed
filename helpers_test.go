package safeftp

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a virtual clock: Sleep advances Now instantly.
type fakeClock struct {
	start time.Time
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeClock{start: t, now: t}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) elapsed() time.Duration { return c.now.Sub(c.start) }

// count returns how often the clock slept for exactly d.
func (c *fakeClock) count(d time.Duration) int {
	n := 0
	for _, s := range c.slept {
		if s == d {
			n++
		}
	}
	return n
}

// timedChunk is delivered once the clock reaches at.
type timedChunk struct {
	at   time.Duration
	data string
}

// fakeStream is an in-memory Stream. Bytes in "in" are what the peer sent;
// bytes written by the client go to "out". When handler is set, every
// complete line written is passed to it and its answer is queued as input.
type fakeStream struct {
	in     bytes.Buffer
	out    bytes.Buffer
	writes []int

	handler func(line string) string
	partial string

	// scheduled input, released by clock
	clock     *fakeClock
	scheduled []timedChunk

	// hangup makes the peer close once all input has been read
	hangup   bool
	closed   bool
	maxWrite int
	writeErr error
}

func (s *fakeStream) release() {
	if s.clock == nil {
		return
	}
	for len(s.scheduled) > 0 && s.clock.elapsed() >= s.scheduled[0].at {
		s.in.WriteString(s.scheduled[0].data)
		s.scheduled = s.scheduled[1:]
	}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.release()
	if s.in.Len() == 0 {
		if s.closed || s.hangup {
			return 0, io.EOF
		}
		return 0, nil
	}
	return s.in.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write on closed stream")
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := len(p)
	if s.maxWrite > 0 && n > s.maxWrite {
		n = s.maxWrite
	}
	s.out.Write(p[:n])
	s.writes = append(s.writes, n)

	if s.handler != nil {
		s.partial += string(p[:n])
		for {
			i := strings.Index(s.partial, "\r\n")
			if i < 0 {
				break
			}
			line := s.partial[:i]
			s.partial = s.partial[i+2:]
			if reply := s.handler(line); reply != "" {
				if !strings.HasSuffix(reply, "\n") {
					reply += "\r\n"
				}
				s.in.WriteString(reply)
			}
		}
	}
	return n, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func (s *fakeStream) Available() int {
	if s.closed {
		return 0
	}
	s.release()
	return s.in.Len()
}

func (s *fakeStream) Connected() bool {
	if s.closed {
		return false
	}
	s.release()
	return !(s.hangup && s.in.Len() == 0 && len(s.scheduled) == 0)
}

// dataStream returns a data channel that delivers content and hangs up.
func dataStream(content string) *fakeStream {
	s := &fakeStream{hangup: true}
	s.in.WriteString(content)
	return s
}

// fakeTransport hands out the control stream for the control port and
// queued data streams for every other port.
type fakeTransport struct {
	control *fakeStream
	data    []*fakeStream
	opened  []*fakeStream
	ports   []int
	hosts   []string
	dialErr error
}

func (t *fakeTransport) Dial(host string, port int) (Stream, error) {
	t.ports = append(t.ports, port)
	t.hosts = append(t.hosts, host)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	if port == DefaultPort {
		return t.control, nil
	}
	if len(t.data) == 0 {
		return nil, errors.Errorf("no data stream queued for port %d", port)
	}
	s := t.data[0]
	t.data = t.data[1:]
	t.opened = append(t.opened, s)
	return s, nil
}

// step is one expected command and the server's answer to it. An empty
// reply means the server stays silent.
type step struct {
	cmd   string
	reply string
}

// script checks commands against the expected sequence and answers them.
type script struct {
	t     *testing.T
	steps []step
	pos   int
}

func (s *script) handle(line string) string {
	if s.pos >= len(s.steps) {
		s.t.Errorf("unexpected command %q", line)
		return ""
	}
	st := s.steps[s.pos]
	s.pos++
	assert.Equal(s.t, st.cmd, line, "command #%d", s.pos)
	return st.reply
}

func (s *script) done() {
	s.t.Helper()
	assert.Equal(s.t, len(s.steps), s.pos, "not every scripted command was sent")
}

// harness bundles a client wired to in-memory streams and a virtual clock.
type harness struct {
	client    *Client
	clock     *fakeClock
	transport *fakeTransport
	control   *fakeStream
	script    *script
}

func newHarness(t *testing.T, steps []step, options ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	sc := &script{t: t, steps: steps}
	control := &fakeStream{handler: sc.handle, clock: clock}
	control.in.WriteString("220 Service ready\r\n")
	transport := &fakeTransport{control: control}

	opts := append([]Option{WithTransport(transport), WithClock(clock)}, options...)
	c, err := New(opts...)
	require.NoError(t, err)
	c.SetServer("ftp.example.com", 0)
	c.SetCredentials("user", "secret")

	return &harness{client: c, clock: clock, transport: transport, control: control, script: sc}
}

// connected returns a harness whose client already read the greeting.
func connected(t *testing.T, steps []step, options ...Option) *harness {
	t.Helper()
	h := newHarness(t, steps, options...)
	require.NoError(t, h.client.Connect())
	return h
}

func (h *harness) queueData(streams ...*fakeStream) {
	for _, s := range streams {
		s.clock = h.clock
	}
	h.transport.data = append(h.transport.data, streams...)
}

// pasv is the reply announcing data port 1025.
const pasv = "227 Entering Passive Mode (127,0,0,1,4,1)"
