package safeftp

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FTP reply codes the client acts on.
const (
	CodeStartingTransfer = 125
	CodeFileStatusOkay   = 150
	CodeOkay             = 200
	CodeFileStatus       = 213
	CodeServiceReady     = 220
	CodeServiceClosing   = 221
	CodeClosingData      = 226
	CodePassive          = 227
	CodeLoggedIn         = 230
	CodeActionOkay       = 250
	CodeNeedPassword     = 331
	CodePending          = 350
	CodeLocalError       = 451
	CodeUnrecognized     = 500
	CodeNotImplemented   = 502
	CodeParamNotImpl     = 504
	CodeFileUnavailable  = 550
)

// Reply is a server reply. Only the leading three-digit code carries
// meaning; multi-line replies are kept as one opaque text.
type Reply struct {
	// Code is the three-digit reply code, 0 if the text does not start
	// with one
	Code int

	// Text is the whole reply with trailing whitespace removed
	Text string
}

// Has reports whether the reply carries one of the given codes.
func (r *Reply) Has(codes ...int) bool {
	for _, code := range codes {
		if r.Code == code {
			return true
		}
	}
	return false
}

// Is1xx returns true for a preliminary positive reply.
func (r *Reply) Is1xx() bool { return r.Code >= 100 && r.Code < 200 }

// Is2xx returns true for a positive completion reply.
func (r *Reply) Is2xx() bool { return r.Code >= 200 && r.Code < 300 }

// Is3xx returns true for a positive intermediate reply.
func (r *Reply) Is3xx() bool { return r.Code >= 300 && r.Code < 400 }

// Is4xx returns true for a transient negative reply.
func (r *Reply) Is4xx() bool { return r.Code >= 400 && r.Code < 500 }

// Is5xx returns true for a permanent negative reply.
func (r *Reply) Is5xx() bool { return r.Code >= 500 && r.Code < 600 }

func (r *Reply) String() string { return r.Text }

// parseReply classifies raw reply text. Empty text means no reply and
// yields nil so that callers never read a code out of silence.
func parseReply(text string) *Reply {
	if text == "" {
		return nil
	}
	r := &Reply{Text: text}
	if len(text) >= 3 && isDigits(text[:3]) {
		r.Code, _ = strconv.Atoi(text[:3])
	}
	return r
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// replyEnd returns the offset just past the first complete reply in buf,
// or -1 if buf does not hold one yet.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"250-Listing data.csv\r\n"
//	" size=42;type=file; data.csv\r\n"
//	"250 End\r\n"
//
// A multi-line reply is complete when a line starts with the opening code
// followed by a space.
func replyEnd(buf []byte) int {
	first := bytes.IndexByte(buf, '\n')
	if first < 0 {
		return -1
	}
	line := buf[:first]
	if len(line) < 4 || line[3] != '-' || !isDigits(string(line[:3])) {
		return first + 1
	}

	code := line[:3]
	start := first + 1
	for {
		i := bytes.IndexByte(buf[start:], '\n')
		if i < 0 {
			return -1
		}
		l := buf[start : start+i]
		if len(l) >= 4 && bytes.Equal(l[:3], code) && (l[3] == ' ' || l[3] == '\r') {
			return start + i + 1
		}
		if len(l) == 3 && bytes.Equal(l, code) {
			return start + i + 1
		}
		start += i + 1
	}
}

// readResponse collects one reply from the control channel. The wait is
// bounded by replyTimeout; every burst of bytes pushes the deadline to at
// least replyExtend from its arrival. On timeout whatever arrived is
// returned, possibly the empty string.
func (c *Client) readResponse() string {
	if c.control == nil {
		return ""
	}

	buf := c.pending
	c.pending = nil
	deadline := c.clock.Now().Add(c.replyTimeout)

	for {
		if end := replyEnd(buf); end >= 0 {
			if end < len(buf) {
				c.pending = append([]byte(nil), buf[end:]...)
			}
			buf = buf[:end]
			break
		}
		now := c.clock.Now()
		if !now.Before(deadline) {
			break
		}

		if n := c.control.Available(); n > 0 {
			chunk := make([]byte, n)
			read, err := c.control.Read(chunk)
			buf = append(buf, chunk[:read]...)
			if read > 0 {
				if ext := c.clock.Now().Add(c.replyExtend); ext.After(deadline) {
					deadline = ext
				}
			}
			if err != nil && !isTimeout(err) {
				c.logger.Debug("control channel read failed", "error", err)
				break
			}
			continue
		}

		if !c.control.Connected() {
			break
		}
		c.clock.Sleep(c.pollInterval)
	}

	text := strings.TrimRight(string(buf), " \t\r\n")
	if text == "" {
		c.logger.Debug("ftp response", "message", "(no response received)")
	} else {
		c.logger.Debug("ftp response", "message", text)
	}
	return text
}

// readReply reads one reply and classifies it. It returns nil on silence.
func (c *Client) readReply() *Reply {
	return parseReply(c.readResponse())
}

// discardStale drops bytes that arrived after an earlier read gave up, so
// the next reply read belongs to the next command.
func (c *Client) discardStale() {
	stale := c.pending
	c.pending = nil
	for c.control.Available() > 0 {
		chunk := make([]byte, c.control.Available())
		n, err := c.control.Read(chunk)
		stale = append(stale, chunk[:n]...)
		if err != nil || n == 0 {
			break
		}
	}
	if len(stale) > 0 {
		c.logger.Warn("discarding stale reply", "message", strings.TrimSpace(string(stale)))
	}
}

// writeCommand writes one command line to an idle control channel.
func (c *Client) writeCommand(command string, args ...string) error {
	if !c.IsConnected() {
		return errors.Wrapf(ErrNotConnected, "%s", command)
	}
	c.discardStale()

	line := command
	if len(args) > 0 {
		line = command + " " + strings.Join(args, " ")
	}

	if command == "PASS" {
		c.logger.Debug("ftp command", "cmd", "PASS ***")
	} else {
		c.logger.Debug("ftp command", "cmd", line)
	}

	if _, err := c.control.Write([]byte(line + "\r\n")); err != nil {
		return errors.Wrapf(err, "failed to send %s", command)
	}
	return nil
}

// sendCommand sends a command and reads exactly one reply.
func (c *Client) sendCommand(command string, args ...string) (*Reply, error) {
	if err := c.writeCommand(command, args...); err != nil {
		return nil, err
	}
	reply := c.readReply()
	if reply == nil {
		return nil, errors.Wrapf(ErrNoReply, "%s", command)
	}
	return reply, nil
}

// expectCode sends a command and verifies the reply code matches.
func (c *Client) expectCode(expectedCode int, command string, args ...string) (*Reply, error) {
	return c.expectAny([]int{expectedCode}, command, args...)
}

// expectAny sends a command and verifies the reply carries one of codes.
func (c *Client) expectAny(codes []int, command string, args ...string) (*Reply, error) {
	reply, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}
	if !reply.Has(codes...) {
		return reply, newProtocolError(command, reply)
	}
	return reply, nil
}
