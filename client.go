package safeftp

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gonzalop/safeftp/internal/ratelimit"
)

// DefaultPort is the standard FTP control port.
const DefaultPort = 21

// Client is a single FTP session. It owns one control channel and at most
// one data channel at a time, and is not safe for concurrent use.
type Client struct {
	// host and port of the server; the data channel reuses host
	host string
	port int

	user string
	pass string

	// control is the control channel, nil while disconnected
	control Stream

	// data is the data channel of the transfer in flight, if any
	data Stream

	// pending holds bytes read past the end of the last reply
	pending []byte

	// currentType tracks the transfer type to avoid redundant TYPE commands
	currentType string

	transport   Transport
	clock       Clock
	logger      *slog.Logger
	dialTimeout time.Duration

	replyTimeout time.Duration
	replyExtend  time.Duration
	pollInterval time.Duration

	stallTimeout    time.Duration
	transferTimeout time.Duration

	chunkSize int
	bandwidth int64
	limiter   *ratelimit.Limiter
	progress  ProgressFunc

	delays   Delays
	attempts int
	header   string
}

// New creates a disconnected client. Call SetServer, SetCredentials and
// Connect, or use UploadData which drives the whole session itself.
func New(options ...Option) (*Client, error) {
	c := &Client{
		port:            DefaultPort,
		clock:           wallClock{},
		logger:          slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		dialTimeout:     10 * time.Second,
		replyTimeout:    5 * time.Second,
		replyExtend:     time.Second,
		pollInterval:    10 * time.Millisecond,
		stallTimeout:    2 * time.Second,
		transferTimeout: 30 * time.Second,
		chunkSize:       512,
		delays:          DefaultDelays(),
		attempts:        2,
		header:          CSVHeader,
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "failed to apply option")
		}
	}

	if c.transport == nil {
		c.transport = &NetTransport{
			Dialer:  net.Dialer{Timeout: c.dialTimeout},
			Timeout: 30 * time.Second,
		}
	}
	c.limiter = ratelimit.New(c.bandwidth, c.clock)

	return c, nil
}

// Dial creates a client for addr ("host:port") and connects to it.
//
// Example:
//
//	client, err := safeftp.Dial("192.168.0.1:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
func Dial(addr string, options ...Option) (*Client, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid port %q", portStr)
	}

	c, err := New(options...)
	if err != nil {
		return nil, err
	}
	c.SetServer(host, port)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetServer sets the server address. A port of 0 selects DefaultPort.
func (c *Client) SetServer(host string, port int) {
	if port == 0 {
		port = DefaultPort
	}
	c.host = host
	c.port = port
}

// SetCredentials sets the user name and password used by Login.
func (c *Client) SetCredentials(user, pass string) {
	c.user = user
	c.pass = pass
}

// Connect opens the control channel and waits for the 220 greeting.
func (c *Client) Connect() error {
	if c.control != nil {
		_ = c.closeStreams()
	}

	c.logger.Info("connecting to ftp server", "host", c.host, "port", c.port)
	conn, err := c.transport.Dial(c.host, c.port)
	if err != nil {
		return errors.Wrap(err, "failed to connect")
	}
	c.control = conn
	c.pending = nil

	reply := c.readReply()
	if reply == nil {
		_ = c.closeStreams()
		return errors.Wrap(ErrNoReply, "failed to read greeting")
	}
	if reply.Code != CodeServiceReady {
		_ = c.closeStreams()
		return newProtocolError("CONNECT", reply)
	}

	c.logger.Debug("ftp greeting", "code", reply.Code, "message", reply.Text)
	return nil
}

// Login authenticates with the credentials set by SetCredentials.
// A 230 reply to USER means no password is needed.
func (c *Client) Login() error {
	reply, err := c.sendCommand("USER", c.user)
	if err != nil {
		return err
	}
	if reply.Code == CodeLoggedIn {
		return nil
	}
	if reply.Code != CodeNeedPassword {
		return newProtocolError("USER", reply)
	}

	if _, err := c.expectCode(CodeLoggedIn, "PASS", c.pass); err != nil {
		return err
	}
	c.logger.Info("ftp login successful", "user", c.user)
	return nil
}

// ChangeDir changes the working directory on the server.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expectCode(CodeActionOkay, "CWD", path)
	return err
}

// IsConnected reports whether the control channel is open.
func (c *Client) IsConnected() bool {
	return c.control != nil && c.control.Connected()
}

// Disconnect sends QUIT when possible and closes the data channel, then the
// control channel. It is safe to call on a disconnected client.
func (c *Client) Disconnect() error {
	if c.control == nil {
		return c.closeData()
	}

	if c.control.Connected() {
		// The server is about to hang up, the reply is informational.
		if err := c.writeCommand("QUIT"); err == nil {
			_ = c.readReply()
		}
	}

	err := c.closeStreams()
	c.logger.Debug("ftp disconnected", "host", c.host)
	return err
}

func (c *Client) closeData() error {
	if c.data == nil {
		return nil
	}
	err := c.data.Close()
	c.data = nil
	return err
}

// closeStreams closes the data channel first, then the control channel.
func (c *Client) closeStreams() error {
	var result *multierror.Error
	if err := c.closeData(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close data channel"))
	}
	if c.control != nil {
		if err := c.control.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close control channel"))
		}
		c.control = nil
	}
	c.pending = nil
	c.currentType = ""
	return result.ErrorOrNil()
}
