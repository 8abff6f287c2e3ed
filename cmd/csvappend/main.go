// Command csvappend appends CSV rows to a remote file over FTP.
//
// The rows are read from --input or stdin. The remote file is never
// deleted before its replacement has been written and read back:
//
//	echo "2024-03-01 12:00:00,10,21.5,1013.2,40.1" | \
//	    FTP_HOST=192.168.0.10 FTP_USER=logger FTP_PASSWORD=secret \
//	    csvappend -d /measurements weather.csv
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/trzsz/go-arg"

	"github.com/gonzalop/safeftp"
)

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

func run(osArgs []string, stdin io.Reader, stdout, stderr io.Writer, options ...safeftp.Option) int {
	args, parser, err := parseArgs(osArgs)
	switch {
	case errors.Is(err, arg.ErrHelp):
		parser.WriteHelp(stdout)
		return 0
	case errors.Is(err, arg.ErrVersion):
		fmt.Fprintln(stdout, appendArgs{}.Version())
		return 0
	case err != nil:
		if parser != nil {
			parser.WriteUsage(stderr)
		}
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	level := slog.LevelInfo
	if args.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	rows, err := readRows(args.Input, stdin)
	if err != nil {
		logger.Error("failed to read rows", "error", err)
		return 1
	}
	if len(rows) == 0 {
		logger.Error("nothing to append")
		return 1
	}

	opts := append([]safeftp.Option{
		safeftp.WithLogger(logger),
		safeftp.WithUploadAttempts(args.Attempts),
		safeftp.WithBandwidthLimit(args.Limit),
		safeftp.WithDialTimeout(args.DialTimeout),
		safeftp.WithProgress(func(sent, total int64) {
			logger.Debug("upload progress", "sent", sent, "total", total)
		}),
	}, options...)
	client, err := safeftp.New(opts...)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	client.SetServer(args.Host, args.Port)
	client.SetCredentials(args.User, args.Password)

	if err := client.UploadData(args.Dir, args.File, rows, !args.NoHeader); err != nil {
		logger.Error("upload failed", "file", args.File, "error", err)
		return 1
	}
	logger.Info("rows appended", "file", args.File, "bytes", len(rows))
	return 0
}

func readRows(input string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if input == "" || input == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read input")
	}
	return normalizeRows(data), nil
}
