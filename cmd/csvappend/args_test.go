package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trzsz/go-arg"
)

func TestParseArgs(t *testing.T) {
	args, _, err := parseArgs(strings.Split("csvappend -H 10.0.0.5 -P 2121 -u logger -p secret -d /data -a 3 --limit 4096 --verbose --no-header log.csv", " "))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", args.Host)
	assert.Equal(t, 2121, args.Port)
	assert.Equal(t, "logger", args.User)
	assert.Equal(t, "secret", args.Password)
	assert.Equal(t, "/data", args.Dir)
	assert.Equal(t, 3, args.Attempts)
	assert.Equal(t, int64(4096), args.Limit)
	assert.True(t, args.Verbose)
	assert.True(t, args.NoHeader)
	assert.Equal(t, "log.csv", args.File)
}

func TestParseArgs_Defaults(t *testing.T) {
	args, _, err := parseArgs([]string{"csvappend", "--host", "ftp.local", "log.csv"})
	require.NoError(t, err)

	assert.Equal(t, 21, args.Port)
	assert.Equal(t, "anonymous", args.User)
	assert.Equal(t, "/", args.Dir)
	assert.Equal(t, 2, args.Attempts)
	assert.Equal(t, 10*time.Second, args.DialTimeout)
	assert.False(t, args.NoHeader)
}

func TestParseArgs_Environment(t *testing.T) {
	t.Setenv("FTP_HOST", "192.168.1.20")
	t.Setenv("FTP_PORT", "2121")
	t.Setenv("FTP_USER", "station")
	t.Setenv("FTP_PASSWORD", "hunter2")
	t.Setenv("FTP_BASE_PATH", "/weather")

	args, _, err := parseArgs([]string{"csvappend", "log.csv"})
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.20", args.Host)
	assert.Equal(t, 2121, args.Port)
	assert.Equal(t, "station", args.User)
	assert.Equal(t, "hunter2", args.Password)
	assert.Equal(t, "/weather", args.Dir)

	args, _, err = parseArgs([]string{"csvappend", "-d", "/other", "log.csv"})
	require.NoError(t, err)
	assert.Equal(t, "/other", args.Dir, "flags win over the environment")
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		cmdline string
		errMsg  string
	}{
		{"csvappend log.csv", "missing ftp host"},
		{"csvappend -H h", "file"},
		{"csvappend -H h -P 0 log.csv", "invalid port"},
		{"csvappend -H h -a 0 log.csv", "invalid attempts"},
		{"csvappend -H h -x log.csv", "unknown argument -x"},
		{"csvappend -H h a.csv b.csv", "too many positional arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.cmdline, func(t *testing.T) {
			_, _, err := parseArgs(strings.Split(tt.cmdline, " "))
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tt.errMsg)
		})
	}
}

func TestParseArgs_HelpAndVersion(t *testing.T) {
	_, _, err := parseArgs([]string{"csvappend", "--help"})
	assert.Equal(t, arg.ErrHelp, err)

	_, _, err = parseArgs([]string{"csvappend", "--version"})
	assert.Equal(t, arg.ErrVersion, err)

	// -v belongs to --version, verbose logging is long-only
	_, _, err = parseArgs([]string{"csvappend", "-H", "h", "-v", "log.csv"})
	assert.Equal(t, arg.ErrVersion, err)
}

func TestNormalizeRows(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"LF", "a,b\n1,2\n", "a,b\r\n1,2\r\n"},
		{"CRLF", "a,b\r\n1,2\r\n", "a,b\r\n1,2\r\n"},
		{"mixed", "a,b\r\n1,2\n", "a,b\r\n1,2\r\n"},
		{"missing final newline", "1,2", "1,2\r\n"},
		{"trailing blank lines", "1,2\n\n\n", "1,2\r\n"},
		{"empty", "", ""},
		{"only newlines", "\n\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(normalizeRows([]byte(tt.in))))
		})
	}
}
