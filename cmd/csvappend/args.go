package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/trzsz/go-arg"
)

const version = "1.0.0"

type appendArgs struct {
	Host        string        `arg:"-H,--host,env:FTP_HOST" help:"FTP server host name or address"`
	Port        int           `arg:"-P,--port,env:FTP_PORT" default:"21" help:"FTP control port"`
	User        string        `arg:"-u,--user,env:FTP_USER" default:"anonymous" help:"login user name"`
	Password    string        `arg:"-p,--password,env:FTP_PASSWORD" help:"login password"`
	Dir         string        `arg:"-d,--dir,env:FTP_BASE_PATH" default:"/" help:"remote directory holding the file"`
	Input       string        `arg:"-i,--input" help:"file with the rows to append (default: stdin)"`
	NoHeader    bool          `arg:"--no-header" help:"do not write the CSV header when the file is created"`
	Attempts    int           `arg:"-a,--attempts" default:"2" help:"upload attempts before giving up"`
	Limit       int64         `arg:"--limit" help:"upload bandwidth limit in bytes per second"`
	DialTimeout time.Duration `arg:"--dial-timeout" default:"10s" help:"timeout for opening connections"`
	Verbose     bool          `arg:"--verbose" help:"log every FTP command and reply"`
	File        string        `arg:"positional,required" help:"remote CSV file name"`
}

func (appendArgs) Description() string {
	return "Append CSV rows to a file on an FTP server without risking its existing content.\n"
}

func (appendArgs) Version() string {
	return fmt.Sprintf("csvappend %s", version)
}

func parseArgs(osArgs []string) (*appendArgs, *arg.Parser, error) {
	var args appendArgs
	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return nil, nil, err
	}
	var flags []string
	if len(osArgs) > 0 {
		flags = osArgs[1:]
	}
	if err := parser.Parse(flags); err != nil {
		return nil, parser, err
	}

	if args.Host == "" {
		return nil, parser, errors.New("missing FTP host (--host or FTP_HOST)")
	}
	if args.Port <= 0 || args.Port > 65535 {
		return nil, parser, errors.Errorf("invalid port %d", args.Port)
	}
	if args.Attempts < 1 {
		return nil, parser, errors.Errorf("invalid attempts %d", args.Attempts)
	}
	return &args, parser, nil
}

// normalizeRows converts line endings to CRLF and terminates the last row.
func normalizeRows(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil
	}
	data = bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
	return append(data, '\r', '\n')
}
