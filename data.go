package safeftp

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parsePassiveMode extracts the data port from a 227 reply.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: 50069 (195*256 + 149)
//
// The address octets are not validated; the data channel always goes to
// the host of the control channel.
func parsePassiveMode(reply string) (int, error) {
	start := strings.IndexByte(reply, '(')
	if start < 0 {
		return 0, errors.Wrapf(ErrPassiveReply, "no opening parenthesis in %q", reply)
	}
	end := strings.IndexByte(reply[start:], ')')
	if end < 0 {
		return 0, errors.Wrapf(ErrPassiveReply, "no closing parenthesis in %q", reply)
	}

	fields := strings.Split(reply[start+1:start+end], ",")
	if len(fields) != 6 {
		return 0, errors.Wrapf(ErrPassiveReply, "expected 6 fields, got %d in %q", len(fields), reply)
	}

	p1, err1 := strconv.Atoi(strings.TrimSpace(fields[4]))
	p2, err2 := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err1 != nil || err2 != nil {
		return 0, errors.Wrapf(ErrPassiveReply, "invalid port bytes %q, %q", fields[4], fields[5])
	}

	if p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return 0, errors.Wrapf(ErrPassiveReply, "port bytes %d, %d out of range", p1, p2)
	}
	return p1*256 + p2, nil
}

// setType sets the transfer type, skipping the command when it is already
// in effect.
func (c *Client) setType(transferType string) error {
	if c.currentType == transferType {
		return nil
	}
	reply, err := c.sendCommand("TYPE", transferType)
	// Some servers answer TYPE with odd codes, or not at all, but switch
	// anyway. The transfer itself is the real test.
	if errors.Is(err, ErrNoReply) {
		c.logger.Warn("no TYPE reply", "type", transferType)
		return nil
	}
	if err != nil {
		return err
	}
	if reply.Code != CodeOkay {
		c.logger.Warn("unexpected TYPE reply", "type", transferType, "code", reply.Code, "message", reply.Text)
		return nil
	}
	c.currentType = transferType
	return nil
}

// openDataConn switches to binary mode, negotiates passive mode and dials
// the announced port. The data channel is only opened after a 227 reply
// has parsed successfully.
func (c *Client) openDataConn() error {
	if err := c.setType("I"); err != nil {
		return errors.Wrap(err, "failed to set binary mode")
	}

	reply, err := c.expectCode(CodePassive, "PASV")
	if err != nil {
		return err
	}

	port, err := parsePassiveMode(reply.Text)
	if err != nil {
		return err
	}

	conn, err := c.transport.Dial(c.host, port)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to data port %d", port)
	}
	c.logger.Debug("data connection established", "port", port)
	c.data = conn
	return nil
}

// cmdDataConnFrom opens a data channel and issues a transfer command on
// the control channel. On success the caller owns c.data and must finish
// or abort the transfer.
func (c *Client) cmdDataConnFrom(command, path string) error {
	if err := c.openDataConn(); err != nil {
		return err
	}

	reply, err := c.sendCommand(command, path)
	if err != nil {
		_ = c.closeData()
		return err
	}
	if !reply.Has(CodeFileStatusOkay, CodeStartingTransfer) {
		_ = c.closeData()
		return newProtocolError(command, reply)
	}
	return nil
}
