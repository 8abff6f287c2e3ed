package safeftp

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialReference opens a session with an independent FTP client.
func dialReference(t *testing.T, addr string) *ftp.ServerConn {
	t.Helper()
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second), ftp.DialWithDisabledEPSV(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Quit() })
	require.NoError(t, conn.Login("user", "pass"))
	return conn
}

func TestInterop_ReferenceClientReadsResult(t *testing.T) {
	srv := newServer(t)
	ref := dialReference(t, srv.Addr())
	require.NoError(t, ref.ChangeDir("/data"))
	require.NoError(t, ref.Stor("log.csv", strings.NewReader(CSVHeader)))

	c, _ := serverClient(t, srv)
	require.NoError(t, c.UploadData("/data", "log.csv", []byte(sample), true))

	r, err := ref.Retr("log.csv")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, CSVHeader+sample, string(got))

	size, err := ref.FileSize("log.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(len(CSVHeader+sample)), size)

	_, err = ref.FileSize("log_new.csv")
	assert.Error(t, err, "temporary file must be gone")
}

func TestInterop_ReadsReferenceUpload(t *testing.T) {
	srv := newServer(t)
	ref := dialReference(t, srv.Addr())
	require.NoError(t, ref.Stor("/data/ref.csv", strings.NewReader("a,b\r\n1,2\r\n")))

	c, _ := serverClient(t, srv)
	require.NoError(t, c.Connect())
	defer func() { _ = c.Disconnect() }()
	require.NoError(t, c.Login())
	require.NoError(t, c.ChangeDir("/data"))

	exists, err := c.FileExists("ref.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	entry, err := c.Stat("ref.csv")
	require.NoError(t, err)
	assert.Equal(t, "file", entry.Type)
	assert.Equal(t, int64(10), entry.Size)

	data, err := c.DownloadFile("ref.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\r\n1,2\r\n", string(data))

	require.NoError(t, c.AppendToFile("ref.csv", []byte("3,4\r\n")))
	require.NoError(t, c.SafeDeleteFile("ref.csv"))

	exists, err = c.FileExists("ref.csv")
	require.NoError(t, err)
	assert.False(t, exists)
}
