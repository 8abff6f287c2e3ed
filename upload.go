package safeftp

import (
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// CSVHeader is the header row written at the top of a newly created file.
const CSVHeader = "Date,Sample Size,Temp (°C),Pressure (hPa),Humidity (RH%)\r\n"

// uploadState survives across the attempts of one UploadData call.
type uploadState struct {
	// combined is the full content the target must end up with
	combined []byte

	// armed is set once an attempt has started removing the original or
	// renaming the temporary file into place. From then on the target may
	// already hold combined (or nothing), so later attempts rewrite
	// combined instead of reading the target again.
	armed bool
}

// tempName returns the sibling temporary name "<base>_new.csv".
func tempName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + "_new.csv"
}

// UploadData appends payload to the remote file dir/name without ever
// deleting the old content before its replacement is proven intact:
//
//  1. connect, log in and change to dir
//  2. if name exists, download it and append payload; otherwise start from
//     payload, prefixed with the CSV header when header is set
//  3. write the result to "<base>_new.csv" and read it back
//  4. get the original out of the way (delete, or rename to a backup)
//  5. rename the temporary file to name and read it back
//
// The whole sequence is retried as one unit. Each attempt opens and closes
// its own session; the client must not be used for anything else meanwhile.
func (c *Client) UploadData(dir, name string, payload []byte, header bool) error {
	base := c.logger
	defer func() { c.logger = base }()

	base.Info("starting safe upload", "dir", dir, "file", name, "bytes", len(payload))

	state := &uploadState{}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		c.logger = base.With("attempt", attempt, "attempt_id", uuid.New().String())
		c.logger.Info("upload attempt started", "max_attempts", c.attempts)

		err := c.uploadAttempt(state, dir, name, payload, header)
		if err == nil {
			c.logger.Info("safe upload completed", "file", name)
			return nil
		}
		lastErr = err
		c.logger.Error("upload attempt failed", "error", err)

		if attempt < c.attempts {
			cooldown := c.delays.Cooldown
			var se *StepError
			if errors.As(err, &se) && se.Step.sessionSetup() {
				cooldown = c.delays.Reconnect
			}
			c.clock.Sleep(cooldown)
		}
	}

	return &UploadError{Attempts: c.attempts, Err: lastErr}
}

func (c *Client) uploadAttempt(state *uploadState, dir, name string, payload []byte, header bool) error {
	defer func() {
		if derr := c.Disconnect(); derr != nil {
			c.logger.Debug("disconnect failed", "error", derr)
		}
	}()

	fail := func(step Step, err error) error {
		return &StepError{Step: step, Err: err}
	}

	if err := c.Connect(); err != nil {
		return fail(StepConnect, err)
	}
	if err := c.Login(); err != nil {
		return fail(StepLogin, err)
	}
	if err := c.ChangeDir(dir); err != nil {
		return fail(StepChangeDir, err)
	}

	existed, err := c.FileExists(name)
	if err != nil {
		return fail(StepCheckExists, err)
	}
	c.logger.Info("original file checked", "file", name, "exists", existed)

	content, err := c.combine(state, name, existed, payload, header)
	if err != nil {
		return fail(StepDownload, err)
	}

	temp := tempName(name)
	c.logger.Info("creating temporary file", "temp", temp, "bytes", len(content))
	if err := c.CreateFile(temp, content); err != nil {
		return fail(StepCreateTemp, err)
	}

	c.clock.Sleep(c.delays.VerifyTemp)
	if err := c.verifyLength(temp, len(content)); err != nil {
		return fail(StepVerifyTemp, c.discardTemp(err, temp))
	}
	c.logger.Info("temporary file verified", "temp", temp, "bytes", len(content))

	if existed {
		if !c.IsConnected() {
			return fail(StepDeleteOriginal, ErrNotConnected)
		}
		state.armed = true
		if err := c.SafeDeleteFile(name); err != nil {
			return fail(StepDeleteOriginal, c.cleanupAfterDelete(err, name, temp))
		}
		c.logger.Info("original file out of the way", "file", name)
	}

	if !c.IsConnected() {
		return fail(StepRename, ErrNotConnected)
	}
	reappeared, err := c.FileExists(name)
	if err != nil {
		return fail(StepRename, err)
	}
	if reappeared {
		return fail(StepRename, errors.Wrapf(ErrFileReappeared, "%s", name))
	}
	state.armed = true
	if err := c.RenameFile(temp, name); err != nil {
		c.logger.Error("temporary file could not be renamed, manual intervention may be needed", "temp", temp)
		return fail(StepRename, err)
	}

	c.clock.Sleep(c.delays.VerifyFinal)
	if err := c.verifyLength(name, len(content)); err != nil {
		return fail(StepVerifyFinal, err)
	}
	return nil
}

// combine builds the content the target must hold after this upload.
func (c *Client) combine(state *uploadState, name string, existed bool, payload []byte, header bool) ([]byte, error) {
	if state.armed {
		c.logger.Warn("earlier attempt removed the original, rewriting combined content",
			"file", name, "bytes", len(state.combined))
		return state.combined, nil
	}

	var content []byte
	if existed {
		existing, err := c.DownloadFile(name)
		if err != nil {
			return nil, err
		}
		c.logger.Info("existing content downloaded", "file", name, "bytes", len(existing))
		content = make([]byte, 0, len(existing)+len(payload))
		content = append(content, existing...)
	} else if header {
		content = append(content, c.header...)
	}
	content = append(content, payload...)

	state.combined = content
	return content, nil
}

// verifyLength reads path back and compares its length with want. Without a
// checksum primitive in the protocol, a re-read is the only consistency
// check available. An empty read-back matches an empty want.
func (c *Client) verifyLength(path string, want int) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	got, err := c.DownloadFile(path)
	if want == 0 && errors.Is(err, ErrEmptyDownload) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read-back of %s failed", path)
	}
	if len(got) != want {
		return &VerificationError{Path: path, Want: want, Got: len(got)}
	}
	return nil
}

// discardTemp deletes a temporary file that failed verification.
func (c *Client) discardTemp(cause error, temp string) error {
	if err := c.DeleteFile(temp); err != nil {
		c.logger.Warn("failed to clean up temporary file", "temp", temp, "error", err)
		return multierror.Append(cause, errors.Wrap(err, "temp cleanup"))
	}
	return cause
}

// cleanupAfterDelete removes the temporary file after a failed safe delete,
// but only when the original is confirmed to still be in place. Otherwise
// the verified temporary file may be the only copy left on the server.
func (c *Client) cleanupAfterDelete(cause error, name, temp string) error {
	if !c.IsConnected() {
		return cause
	}
	exists, err := c.FileExists(name)
	if err != nil || !exists {
		c.logger.Warn("original may be gone, keeping temporary file", "file", name, "temp", temp)
		return cause
	}
	return c.discardTemp(cause, temp)
}
