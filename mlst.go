package safeftp

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Entry is a machine-readable file entry from an MLST reply.
type Entry struct {
	// Name is the file or directory name
	Name string

	// Type is "file", "dir", "cdir", "pdir" or "link"
	Type string

	// Size is the file size in bytes, -1 when the server did not report it
	Size int64

	// ModTime is the modification time, zero when not reported
	ModTime time.Time

	// Facts contains all raw facts from the server
	Facts map[string]string
}

// Stat returns the MLST facts of a single path. This implements the MLST
// part of RFC 3659.
func (c *Client) Stat(path string) (*Entry, error) {
	reply, err := c.expectCode(CodeActionOkay, "MLST", path)
	if err != nil {
		return nil, err
	}
	return parseMLSTReply(reply.Text)
}

// parseMLSTReply finds the entry line of a 250 MLST reply:
// "250-Listing path\r\n size=42;type=file; path\r\n250 End".
func parseMLSTReply(text string) (*Entry, error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		// Skip status lines
		if len(line) >= 4 && isDigits(line[:3]) && (line[3] == '-' || line[3] == ' ') {
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return parseMLEntry(trimmed)
		}
	}
	return nil, errors.New("no entry found in MLST response")
}

// parseMLEntry parses "fact1=value1;fact2=value2; entry-name".
func parseMLEntry(line string) (*Entry, error) {
	spaceIdx := strings.Index(line, " ")
	if spaceIdx == -1 {
		return nil, errors.Errorf("invalid ML entry %q: no space separator", line)
	}

	entry := &Entry{
		Name:  line[spaceIdx+1:],
		Size:  -1,
		Facts: make(map[string]string),
	}
	for _, pair := range strings.Split(line[:spaceIdx], ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		entry.Facts[strings.ToLower(name)] = value
	}

	entry.Type = strings.ToLower(entry.Facts["type"])
	if size, err := strconv.ParseInt(entry.Facts["size"], 10, 64); err == nil {
		entry.Size = size
	}
	if modify, ok := entry.Facts["modify"]; ok {
		// YYYYMMDDHHMMSS with optional fractional seconds
		timestamp, _, _ := strings.Cut(modify, ".")
		if t, err := time.Parse("20060102150405", timestamp); err == nil {
			entry.ModTime = t.UTC()
		}
	}
	return entry, nil
}
