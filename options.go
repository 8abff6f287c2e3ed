package safeftp

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// Delays groups the pauses the client inserts between protocol steps. Slow
// or embedded servers often need a moment to flush a file to storage before
// it shows up in a listing or a re-read.
type Delays struct {
	// Chunk is the pause between two data chunks.
	Chunk time.Duration

	// AfterTransfer is the pause between closing the data channel and
	// reading the final transfer reply.
	AfterTransfer time.Duration

	// FinalReplyWindow bounds how long the final transfer reply is retried.
	FinalReplyWindow time.Duration

	// FinalReplyRetry is the pause between two final-reply reads.
	FinalReplyRetry time.Duration

	// ExistenceCheck is the pause before probing a file whose upload never
	// got a final reply.
	ExistenceCheck time.Duration

	// DeleteVerify is the pause between a DELE and the existence re-check.
	DeleteVerify time.Duration

	// DeleteRetry is the pause between two delete attempts.
	DeleteRetry time.Duration

	// RenameRetry is the pause between two backup rename attempts.
	RenameRetry time.Duration

	// VerifyTemp is the pause before the temporary file is read back.
	VerifyTemp time.Duration

	// VerifyFinal is the pause before the renamed file is read back.
	VerifyFinal time.Duration

	// Reconnect is the cooldown after a connect, login or CWD failure.
	Reconnect time.Duration

	// Cooldown is the pause before retrying a failed upload attempt.
	Cooldown time.Duration
}

// DefaultDelays returns the delays tuned for small embedded FTP servers.
func DefaultDelays() Delays {
	return Delays{
		Chunk:            time.Millisecond,
		AfterTransfer:    500 * time.Millisecond,
		FinalReplyWindow: 10 * time.Second,
		FinalReplyRetry:  100 * time.Millisecond,
		ExistenceCheck:   time.Second,
		DeleteVerify:     500 * time.Millisecond,
		DeleteRetry:      time.Second,
		RenameRetry:      2 * time.Second,
		VerifyTemp:       2 * time.Second,
		VerifyFinal:      time.Second,
		Reconnect:        2 * time.Second,
		Cooldown:         3 * time.Second,
	}
}

// WithLogger enables logging using the provided logger.
// Commands and replies are logged at debug level, upload steps at info.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithTransport replaces the TCP transport, for example with an in-memory
// one in tests or a tunnel on constrained devices.
func WithTransport(t Transport) Option {
	return func(c *Client) error {
		c.transport = t
		return nil
	}
}

// WithClock replaces the wall clock used for every bounded wait.
func WithClock(clock Clock) Option {
	return func(c *Client) error {
		c.clock = clock
		return nil
	}
}

// WithDialTimeout sets the connect timeout of the default transport.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.dialTimeout = timeout
		return nil
	}
}

// WithReplyTimeout sets how long the reader waits for a reply and by how
// much each burst of arriving bytes pushes that deadline out.
func WithReplyTimeout(base, extend time.Duration) Option {
	return func(c *Client) error {
		if base <= 0 || extend < 0 {
			return errors.Errorf("invalid reply timeout %v/%v", base, extend)
		}
		c.replyTimeout = base
		c.replyExtend = extend
		return nil
	}
}

// WithPollInterval sets the sleep between two reads of an idle stream.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.Errorf("invalid poll interval %v", d)
		}
		c.pollInterval = d
		return nil
	}
}

// WithTransferTimeouts sets the download stall timeout (no bytes received)
// and the overall cap of a single download.
func WithTransferTimeouts(stall, total time.Duration) Option {
	return func(c *Client) error {
		if stall <= 0 || total <= 0 {
			return errors.Errorf("invalid transfer timeouts %v/%v", stall, total)
		}
		c.stallTimeout = stall
		c.transferTimeout = total
		return nil
	}
}

// WithChunkSize sets the largest span written to the data channel at once.
func WithChunkSize(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return errors.Errorf("invalid chunk size %d", n)
		}
		c.chunkSize = n
		return nil
	}
}

// WithBandwidthLimit caps upload speed in bytes per second. Zero disables it.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.bandwidth = bytesPerSecond
		return nil
	}
}

// WithDelays replaces the settle and retry delays.
func WithDelays(d Delays) Option {
	return func(c *Client) error {
		c.delays = d
		return nil
	}
}

// WithUploadAttempts sets how many times UploadData runs the whole safe
// upload sequence before giving up.
func WithUploadAttempts(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return errors.Errorf("invalid attempt count %d", n)
		}
		c.attempts = n
		return nil
	}
}

// WithCSVHeader replaces the header row written to newly created files.
func WithCSVHeader(header string) Option {
	return func(c *Client) error {
		c.header = header
		return nil
	}
}

// WithProgress registers a callback invoked after each uploaded chunk.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Client) error {
		c.progress = fn
		return nil
	}
}
