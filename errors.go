package safeftp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when an operation needs the control channel
	// but no session is open or the peer has gone away.
	ErrNotConnected = errors.New("safeftp: not connected")

	// ErrNoReply is returned when the server stayed silent for the whole
	// reply window.
	ErrNoReply = errors.New("safeftp: no reply from server")

	// ErrPassiveReply is returned when a 227 reply has no usable port tuple.
	ErrPassiveReply = errors.New("safeftp: malformed passive mode reply")

	// ErrShortWrite is returned when the data channel accepted fewer bytes
	// than a chunk holds.
	ErrShortWrite = errors.New("safeftp: short write on data channel")

	// ErrEmptyDownload is returned when a retrieval completed without a
	// single byte. An empty remote file cannot be told apart from a lost
	// transfer, so it is always treated as a failure.
	ErrEmptyDownload = errors.New("safeftp: download returned no data")

	// ErrAppendUnsupported is returned when the server refuses APPE.
	ErrAppendUnsupported = errors.New("safeftp: append not supported by server")

	// ErrFileReappeared is returned when the target path is occupied again
	// right before the temporary file is renamed into place.
	ErrFileReappeared = errors.New("safeftp: target file reappeared before rename")

	// ErrStuckFile is returned when a file could neither be deleted nor
	// renamed out of the way.
	ErrStuckFile = errors.New("safeftp: file could not be deleted or moved")

	// ErrTooManyBackups is returned when every backup name is already taken.
	ErrTooManyBackups = errors.New("safeftp: too many backup files, manual cleanup required")
)

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP verb that was sent (e.g., "STOR")
	Command string

	// Response is the raw reply text received from the server
	Response string

	// Code is the numeric reply code, 0 if the reply had none
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("safeftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTemporary returns true if the error is a transient failure (4xx).
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

func newProtocolError(command string, r *Reply) *ProtocolError {
	return &ProtocolError{Command: command, Response: r.Text, Code: r.Code}
}

// VerificationError reports a length mismatch between what was written and
// what the server gave back on re-read.
type VerificationError struct {
	Path string
	Want int
	Got  int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("safeftp: verification of %s failed: expected %d bytes, got %d", e.Path, e.Want, e.Got)
}

// UploadError is returned by UploadData once every attempt has failed.
type UploadError struct {
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("safeftp: upload failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Step names a state of the safe upload sequence.
type Step string

// Safe upload steps, in order.
const (
	StepConnect        Step = "connect"
	StepLogin          Step = "login"
	StepChangeDir      Step = "change-dir"
	StepCheckExists    Step = "check-exists"
	StepDownload       Step = "download"
	StepCreateTemp     Step = "create-temp"
	StepVerifyTemp     Step = "verify-temp"
	StepDeleteOriginal Step = "delete-original"
	StepRename         Step = "rename"
	StepVerifyFinal    Step = "verify-final"
)

// StepError records the step at which an upload attempt failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// sessionSetup reports whether the step only opened the session, so a
// failure left nothing behind on the server.
func (s Step) sessionSetup() bool {
	return s == StepConnect || s == StepLogin || s == StepChangeDir
}
