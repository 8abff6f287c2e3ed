package safeftp

import (
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxDeleteAttempts = 5
	maxBackupProbes   = 10
	maxRenameAttempts = 3
)

// FileExists probes path with MLST, then SIZE, then, if the server refused
// SIZE as disallowed, MDTM. Not every server implements every verb, so any
// positive answer is enough and running out of methods means the file does
// not exist. Only transport failures are returned as errors.
func (c *Client) FileExists(path string) (bool, error) {
	reply, err := c.probe("MLST", path)
	if err != nil {
		return false, err
	}
	if reply != nil && reply.Code == CodeActionOkay {
		if entry, err := parseMLSTReply(reply.Text); err == nil {
			c.logger.Debug("file exists (MLST)", "path", path, "type", entry.Type, "size", entry.Size)
		} else {
			c.logger.Debug("file exists (MLST)", "path", path)
		}
		return true, nil
	}

	reply, err = c.probe("SIZE", path)
	if err != nil {
		return false, err
	}
	if reply != nil && reply.Code == CodeFileStatus {
		c.logger.Debug("file exists (SIZE)", "path", path, "reply", reply.Text)
		return true, nil
	}

	if reply != nil && sizeDisallowed(reply) {
		reply, err = c.probe("MDTM", path)
		if err != nil {
			return false, err
		}
		if reply != nil && reply.Code == CodeFileStatus {
			c.logger.Debug("file exists (MDTM)", "path", path, "reply", reply.Text)
			return true, nil
		}
	}

	c.logger.Debug("file does not exist", "path", path)
	return false, nil
}

// probe sends a query whose silence counts as a negative answer.
func (c *Client) probe(command, path string) (*Reply, error) {
	reply, err := c.sendCommand(command, path)
	if errors.Is(err, ErrNoReply) {
		return nil, nil
	}
	return reply, err
}

// sizeDisallowed reports whether a SIZE rejection means the verb itself is
// refused rather than the file missing, e.g. "550 SIZE not allowed in ASCII
// mode" or "502 Command not implemented".
func sizeDisallowed(r *Reply) bool {
	switch r.Code {
	case CodeUnrecognized, CodeNotImplemented, CodeParamNotImpl:
		return true
	case CodeFileUnavailable:
		return strings.Contains(strings.ToLower(r.Text), "not allowed")
	}
	return false
}

// DeleteFile removes path with DELE.
func (c *Client) DeleteFile(path string) error {
	if _, err := c.expectCode(CodeActionOkay, "DELE", path); err != nil {
		return err
	}
	c.logger.Debug("file deleted", "path", path)
	return nil
}

// RenameFile renames from to to with RNFR/RNTO. A failed RNFR aborts the
// rename before RNTO is sent.
func (c *Client) RenameFile(from, to string) error {
	if _, err := c.expectCode(CodePending, "RNFR", from); err != nil {
		return errors.Wrap(err, "rename from failed")
	}
	if _, err := c.expectCode(CodeActionOkay, "RNTO", to); err != nil {
		return errors.Wrap(err, "rename to failed")
	}
	c.logger.Debug("file renamed", "from", from, "to", to)
	return nil
}

// SafeDeleteFile gets path out of the way. It deletes and re-checks up to
// five times, since some servers acknowledge a DELE and keep the file.
// When the file still will not go, it is renamed to the first free backup
// name (name.bak, name.bak1, ...). The old content then lingers in the
// backup file, but the path is free for its replacement.
func (c *Client) SafeDeleteFile(path string) error {
	for attempt := 1; attempt <= maxDeleteAttempts; attempt++ {
		if !c.IsConnected() {
			return errors.Wrap(ErrNotConnected, "connection lost during delete")
		}

		err := c.DeleteFile(path)
		if err == nil {
			c.clock.Sleep(c.delays.DeleteVerify)
			exists, err := c.FileExists(path)
			if err != nil {
				return errors.Wrap(err, "delete verification failed")
			}
			if !exists {
				c.logger.Info("file deleted and verified gone", "path", path, "attempt", attempt)
				return nil
			}
			c.logger.Warn("file reported deleted but still exists", "path", path, "attempt", attempt)
		} else {
			c.logger.Warn("delete attempt failed", "path", path, "attempt", attempt, "error", err)
		}

		if attempt < maxDeleteAttempts {
			c.clock.Sleep(c.delays.DeleteRetry)
		}
	}

	c.logger.Error("could not delete file, trying backup rename", "path", path, "attempts", maxDeleteAttempts)
	backup, err := c.backupName(path)
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= maxRenameAttempts; attempt++ {
		if !c.IsConnected() {
			return errors.Wrap(ErrNotConnected, "connection lost during backup rename")
		}
		err := c.RenameFile(path, backup)
		if err == nil {
			c.logger.Warn("file moved to backup, manual cleanup needed later", "path", path, "backup", backup)
			return nil
		}
		c.logger.Warn("backup rename failed", "path", path, "backup", backup, "attempt", attempt, "error", err)
		if attempt < maxRenameAttempts {
			c.clock.Sleep(c.delays.RenameRetry)
		}
	}

	return errors.Wrapf(ErrStuckFile, "%s", path)
}

// backupName returns the first unused name among base.bak, base.bak1, ...
// where base is p without its extension.
func (c *Client) backupName(p string) (string, error) {
	base := strings.TrimSuffix(p, path.Ext(p))
	for i := 0; i < maxBackupProbes; i++ {
		name := base + ".bak"
		if i > 0 {
			name += strconv.Itoa(i)
		}
		exists, err := c.FileExists(name)
		if err != nil {
			return "", errors.Wrap(err, "backup name probe failed")
		}
		if !exists {
			return name, nil
		}
		c.logger.Debug("backup file exists", "name", name)
	}
	return "", errors.Wrapf(ErrTooManyBackups, "%s", p)
}
