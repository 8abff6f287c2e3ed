package safeftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMLEntry(t *testing.T) {
	entry, err := parseMLEntry("Size=1024;Type=file;Modify=20240301120000.123;UNIX.mode=0644; log.csv")
	require.NoError(t, err)

	assert.Equal(t, "log.csv", entry.Name)
	assert.Equal(t, "file", entry.Type)
	assert.Equal(t, int64(1024), entry.Size)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), entry.ModTime)
	assert.Equal(t, "0644", entry.Facts["unix.mode"])
}

func TestParseMLEntry_MissingFacts(t *testing.T) {
	entry, err := parseMLEntry("type=dir; my dir")
	require.NoError(t, err)

	assert.Equal(t, "my dir", entry.Name)
	assert.Equal(t, "dir", entry.Type)
	assert.Equal(t, int64(-1), entry.Size)
	assert.True(t, entry.ModTime.IsZero())
}

func TestParseMLEntry_Invalid(t *testing.T) {
	_, err := parseMLEntry("type=file;size=3;")
	assert.Error(t, err)
}

func TestParseMLSTReply(t *testing.T) {
	entry, err := parseMLSTReply("250-Listing log.csv\r\n size=42;type=file; /data/log.csv\r\n250 End")
	require.NoError(t, err)
	assert.Equal(t, "/data/log.csv", entry.Name)
	assert.Equal(t, int64(42), entry.Size)

	_, err = parseMLSTReply("250 End")
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	h := connected(t, []step{{"MLST data.csv", mlstFound}})

	entry, err := h.client.Stat("data.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.Size)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), entry.ModTime)
}
