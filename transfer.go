package safeftp

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// CreateFile uploads data to path with STOR, replacing any existing file.
//
// Some servers close the data channel but never send the final 226. When no
// final reply arrives, the file's existence is taken as proof that the
// upload landed. This trades accuracy for availability: a server that
// stored a partial file is only caught by a later read-back.
func (c *Client) CreateFile(path string, data []byte) error {
	c.logger.Info("creating file", "path", path, "bytes", len(data))

	if err := c.cmdDataConnFrom("STOR", path); err != nil {
		return err
	}
	if err := c.sendPayload(data); err != nil {
		_ = c.closeData()
		return errors.Wrapf(err, "upload of %s failed", path)
	}
	return c.finishUpload("STOR", path, true)
}

// AppendToFile appends data to path with APPE. Servers that do not support
// appending fail with ErrAppendUnsupported.
func (c *Client) AppendToFile(path string, data []byte) error {
	c.logger.Info("appending to file", "path", path, "bytes", len(data))

	if err := c.cmdDataConnFrom("APPE", path); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && (pe.Code == CodeLocalError || pe.Code == CodeFileUnavailable) {
			return errors.Wrap(ErrAppendUnsupported, pe.Error())
		}
		return err
	}
	if err := c.sendPayload(data); err != nil {
		_ = c.closeData()
		return errors.Wrapf(err, "append to %s failed", path)
	}
	return c.finishUpload("APPE", path, false)
}

// sendPayload writes data to the data channel in chunks of at most
// chunkSize bytes, pacing them so small transport buffers are not overrun.
// A chunk that is not written in full aborts the transfer.
func (c *Client) sendPayload(data []byte) error {
	total := len(data)
	sent := 0
	for sent < total {
		n := min(c.chunkSize, total-sent)
		chunk := data[sent : sent+n]

		c.limiter.Wait(n)
		written, err := c.data.Write(chunk)
		if err != nil {
			return errors.Wrapf(err, "write failed at offset %d", sent)
		}
		if written != n {
			return errors.Wrapf(ErrShortWrite, "tried %d, sent %d", n, written)
		}
		sent += written

		if c.progress != nil {
			c.progress(int64(sent), int64(total))
		}
		if sent%1024 == 0 || sent == total {
			c.logger.Debug("upload progress", "sent", sent, "total", total,
				"percent", progressPercent(sent, total))
		}
		if sent < total {
			c.clock.Sleep(c.delays.Chunk)
		}
	}
	return nil
}

// finishUpload closes the data channel, gives the server time to flush and
// reads the final transfer reply. With probe set, a missing final reply
// falls back to an existence check of path.
func (c *Client) finishUpload(command, path string, probe bool) error {
	if err := c.closeData(); err != nil {
		c.logger.Warn("failed to close data connection", "error", err)
	}

	c.clock.Sleep(c.delays.AfterTransfer)
	reply := c.awaitFinalReply()
	if reply != nil {
		if reply.Has(CodeClosingData, CodeActionOkay) {
			c.logger.Debug("ftp data transfer complete", "cmd", command, "path", path)
			return nil
		}
		return newProtocolError(command, reply)
	}

	if !probe {
		return errors.Wrapf(ErrNoReply, "%s %s: no final reply", command, path)
	}

	c.logger.Warn("no final reply received, checking existence", "path", path)
	c.clock.Sleep(c.delays.ExistenceCheck)
	exists, err := c.FileExists(path)
	if err != nil {
		return errors.Wrapf(err, "%s %s: existence check failed", command, path)
	}
	if !exists {
		return errors.Wrapf(ErrNoReply, "%s %s: no final reply and file not found", command, path)
	}
	c.logger.Warn("assuming upload succeeded, file exists", "path", path)
	return nil
}

// awaitFinalReply retries the reply read for up to FinalReplyWindow.
func (c *Client) awaitFinalReply() *Reply {
	deadline := c.clock.Now().Add(c.delays.FinalReplyWindow)
	for {
		if reply := c.readReply(); reply != nil {
			return reply
		}
		if !c.clock.Now().Before(deadline) || !c.IsConnected() {
			return nil
		}
		c.clock.Sleep(c.delays.FinalReplyRetry)
	}
}

// DownloadFile retrieves the whole content of path. An empty result is an
// error: it cannot be told apart from a transfer that never started.
func (c *Client) DownloadFile(path string) ([]byte, error) {
	c.logger.Info("downloading file", "path", path)

	if err := c.cmdDataConnFrom("RETR", path); err != nil {
		return nil, err
	}

	data, recvErr := c.receivePayload()
	if err := c.closeData(); err != nil {
		c.logger.Warn("failed to close data connection", "error", err)
	}

	reply := c.readReply()
	if recvErr != nil {
		return nil, errors.Wrapf(recvErr, "download of %s failed", path)
	}
	if reply == nil {
		return nil, errors.Wrapf(ErrNoReply, "RETR %s: no final reply", path)
	}
	if !reply.Has(CodeClosingData, CodeActionOkay) {
		return nil, newProtocolError("RETR", reply)
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrEmptyDownload, "RETR %s", path)
	}

	c.logger.Debug("file downloaded", "path", path, "bytes", len(data))
	return data, nil
}

// receivePayload reads the data channel until the server closes it or no
// byte arrives for stallTimeout. The whole read is capped at
// transferTimeout.
func (c *Client) receivePayload() ([]byte, error) {
	var buf bytes.Buffer
	limit := c.clock.Now().Add(c.transferTimeout)
	deadline := limit

	for c.clock.Now().Before(deadline) {
		if n := c.data.Available(); n > 0 {
			chunk := make([]byte, n)
			read, err := c.data.Read(chunk)
			buf.Write(chunk[:read])
			if read > 0 {
				deadline = c.clock.Now().Add(c.stallTimeout)
				if deadline.After(limit) {
					deadline = limit
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil && !isTimeout(err) {
				return buf.Bytes(), errors.Wrap(err, "read failed")
			}
			continue
		}
		if !c.data.Connected() {
			c.logger.Debug("data connection closed by server", "bytes", buf.Len())
			break
		}
		c.clock.Sleep(c.pollInterval)
	}

	if !c.clock.Now().Before(deadline) {
		c.logger.Warn("download stalled", "bytes", buf.Len())
	}

	// Drain whatever is still buffered before the channel is closed.
	for c.data.Available() > 0 {
		chunk := make([]byte, c.data.Available())
		read, err := c.data.Read(chunk)
		buf.Write(chunk[:read])
		if err != nil || read == 0 {
			break
		}
	}

	return buf.Bytes(), nil
}
