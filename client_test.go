package safeftp

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, c.port)
	assert.Equal(t, 5*time.Second, c.replyTimeout)
	assert.Equal(t, time.Second, c.replyExtend)
	assert.Equal(t, 10*time.Millisecond, c.pollInterval)
	assert.Equal(t, 2*time.Second, c.stallTimeout)
	assert.Equal(t, 30*time.Second, c.transferTimeout)
	assert.Equal(t, 512, c.chunkSize)
	assert.Equal(t, 2, c.attempts)
	assert.Equal(t, CSVHeader, c.header)
	assert.Nil(t, c.limiter)
	assert.IsType(t, &NetTransport{}, c.transport)
	assert.False(t, c.IsConnected())
}

func TestSetServer(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.SetServer("192.168.0.10", 0)
	assert.Equal(t, "192.168.0.10", c.host)
	assert.Equal(t, DefaultPort, c.port)

	c.SetServer("ftp.example.com", 2121)
	assert.Equal(t, 2121, c.port)
}

func TestConnect(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.Connect())
	assert.True(t, h.client.IsConnected())
	assert.Equal(t, []string{"ftp.example.com"}, h.transport.hosts)
}

func TestConnect_BadGreeting(t *testing.T) {
	h := newHarness(t, nil)
	h.control.in.Reset()
	h.control.in.WriteString("421 Too many users\r\n")

	err := h.client.Connect()
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "CONNECT", pe.Command)
	assert.Equal(t, 421, pe.Code)
	assert.False(t, h.client.IsConnected())
	assert.True(t, h.control.closed)
}

func TestConnect_NoGreeting(t *testing.T) {
	h := newHarness(t, nil)
	h.control.in.Reset()

	err := h.client.Connect()
	assert.True(t, errors.Is(err, ErrNoReply))
	assert.Equal(t, 5*time.Second, h.clock.elapsed())
}

func TestConnect_DialError(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.dialErr = errors.New("connection refused")

	err := h.client.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, h.client.IsConnected())
}

func TestLogin(t *testing.T) {
	h := connected(t, []step{
		{"USER user", "331 Password required"},
		{"PASS secret", "230 Logged in"},
	})
	require.NoError(t, h.client.Login())
	h.script.done()
}

func TestLogin_NoPasswordNeeded(t *testing.T) {
	h := connected(t, []step{{"USER user", "230 Logged in"}})
	require.NoError(t, h.client.Login())
	h.script.done()
}

func TestLogin_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		steps   []step
		command string
	}{
		{"bad user", []step{{"USER user", "530 Not allowed"}}, "USER"},
		{"bad password", []step{
			{"USER user", "331 Password required"},
			{"PASS secret", "530 Login incorrect"},
		}, "PASS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := connected(t, tt.steps)
			err := h.client.Login()
			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.command, pe.Command)
			assert.Equal(t, 530, pe.Code)
		})
	}
}

func TestLogin_PasswordNotLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := connected(t, []step{
		{"USER user", "331 Password required"},
		{"PASS secret", "230 Logged in"},
	}, WithLogger(logger))

	require.NoError(t, h.client.Login())
	assert.Contains(t, buf.String(), "PASS ***")
	assert.NotContains(t, buf.String(), "secret")
}

func TestDisconnect(t *testing.T) {
	h := connected(t, []step{{"QUIT", "221 Bye"}})
	data := &fakeStream{}
	h.client.data = data
	h.client.currentType = "I"

	require.NoError(t, h.client.Disconnect())
	assert.True(t, data.closed)
	assert.True(t, h.control.closed)
	assert.Nil(t, h.client.control)
	assert.Empty(t, h.client.currentType)
	assert.False(t, h.client.IsConnected())
	h.script.done()

	require.NoError(t, h.client.Disconnect(), "disconnecting twice is harmless")
}

func TestDisconnect_PeerGone(t *testing.T) {
	h := connected(t, nil)
	h.control.hangup = true

	require.NoError(t, h.client.Disconnect())
	assert.Empty(t, h.control.out.String(), "no QUIT on a dead channel")
}

func TestDial(t *testing.T) {
	srv := newServer(t)

	c, err := Dial(srv.Addr(), WithClock(newFakeClock()))
	require.NoError(t, err)
	defer func() { _ = c.Disconnect() }()

	c.SetCredentials("user", "pass")
	require.NoError(t, c.Login())
	require.NoError(t, c.ChangeDir("/data"))
	assert.True(t, c.IsConnected())
}

func TestDial_InvalidAddress(t *testing.T) {
	_, err := Dial("no-port")
	assert.Error(t, err)

	_, err = Dial("host:abc")
	assert.Error(t, err)
}
