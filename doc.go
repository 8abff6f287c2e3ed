// Package safeftp appends data to files on small or unreliable FTP servers
// without ever putting the existing content at risk.
//
// # Overview
//
// Embedded FTP servers (data loggers, PLCs, weather stations) often lack
// APPE, drop final transfer replies, acknowledge deletes they never carry
// out, or need a moment before a freshly stored file shows up. This package
// provides:
//   - A single-session client with bounded waits on every reply
//   - Passive-mode transfers in small, paced chunks
//   - Existence checks that fall back from MLST to SIZE to MDTM
//   - A delete that verifies and, if needed, moves the file to a backup name
//   - UploadData, a write-verify-swap sequence retried as one unit
//
// # Basic Usage
//
//	client, err := safeftp.New(safeftp.WithLogger(slog.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.SetServer("192.168.0.10", 21)
//	client.SetCredentials("logger", "secret")
//
//	row := []byte("2024-03-01 12:00:00,10,21.5,1013.2,40.1\r\n")
//	if err := client.UploadData("/measurements", "weather.csv", row, true); err != nil {
//	    log.Fatal(err)
//	}
//
// UploadData opens and closes its own session. The lower-level operations
// (Connect, Login, ChangeDir, CreateFile, DownloadFile, SafeDeleteFile, ...)
// can be driven directly on a connected client instead.
//
// # Safe Upload Sequence
//
// The new content is the old file followed by the payload. It is written to
// "<base>_new.csv" and read back; only when the length matches is the
// original removed and the temporary file renamed into place. A failed
// verification leaves the original untouched. Once an attempt has started
// removing the original or renaming the temporary file into place, later
// attempts rewrite the content kept in memory instead of reading the target
// again.
//
// # Timing
//
// Every wait goes through a Clock, and every stream through a Transport.
// Both can be replaced with WithClock and WithTransport, which is how the
// tests drive timeouts without real delays. The pauses between protocol
// steps are grouped in Delays.
//
// # Error Handling
//
// Rejected commands return *ProtocolError with the command, reply text and
// code. UploadData returns *UploadError wrapping the *StepError of the last
// attempt, which names the step that failed:
//
//	var se *safeftp.StepError
//	if errors.As(err, &se) && se.Step == safeftp.StepVerifyTemp {
//	    // the original file was not touched
//	}
package safeftp
