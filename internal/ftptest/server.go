// Package ftptest provides an in-memory FTP server for tests.
//
// The server speaks enough of RFC 959 and RFC 3659 for a client that
// stores, appends, retrieves, deletes and renames files over passive-mode
// data connections. Files live in memory and can be seeded and inspected
// directly. Faults that real embedded servers exhibit can be injected per
// command or per path:
//
//	srv, _ := ftptest.NewServer(ftptest.WithDirs("/data"))
//	defer srv.Close()
//	srv.PutFile("/data/log.csv", []byte("a,b\r\n"))
//	srv.StickDelete("/data/log.csv", 0) // DELE says 250, file stays
package ftptest

import (
	"io"
	"log/slog"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Server is an in-memory FTP server listening on a loopback port.
type Server struct {
	ln     net.Listener
	logger *slog.Logger

	user string
	pass string

	welcome     string
	dataTimeout time.Duration

	mu       sync.Mutex
	files    map[string]*file
	dirs     map[string]bool
	commands []string

	overrides []*override
	stuck     map[string]int
	dropped   map[string]int
	truncated map[string]*truncation

	sessions sync.WaitGroup
	conns    map[net.Conn]struct{}
	closed   bool
}

type file struct {
	data    []byte
	modTime time.Time
}

// override replaces the server's own answer to a command.
type override struct {
	command string
	reply   string
	left    int // remaining uses, -1 for unlimited
}

type truncation struct {
	keep int
	left int
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets the logger used for session and command logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithCredentials sets the only user name and password accepted by PASS.
func WithCredentials(user, pass string) Option {
	return func(s *Server) error {
		s.user = user
		s.pass = pass
		return nil
	}
}

// WithDirs creates directories (and their parents) in the file system.
func WithDirs(dirs ...string) Option {
	return func(s *Server) error {
		for _, d := range dirs {
			s.mkdirAll(d)
		}
		return nil
	}
}

// WithWelcome sets the text of the 220 greeting.
func WithWelcome(msg string) Option {
	return func(s *Server) error {
		s.welcome = msg
		return nil
	}
}

// WithDataTimeout bounds how long a transfer waits for the client to
// open the passive data connection.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return errors.Errorf("invalid data timeout %v", d)
		}
		s.dataTimeout = d
		return nil
	}
}

// NewServer starts a server on 127.0.0.1 with a random port. The default
// credentials are "user" / "pass".
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		user:        "user",
		pass:        "pass",
		welcome:     "FTP Server Ready",
		dataTimeout: 5 * time.Second,
		files:       make(map[string]*file),
		dirs:        map[string]bool{"/": true},
		stuck:       make(map[string]int),
		dropped:     make(map[string]int),
		truncated:   make(map[string]*truncation),
		conns:       make(map[net.Conn]struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}
	s.ln = ln

	s.sessions.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the control address as "host:port".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Host returns the IP address the server listens on.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the control port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting connections, closes every session and waits for
// the session goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.sessions.Wait()
	return err
}

func (s *Server) serve() {
	defer s.sessions.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if !s.track(conn, true) {
			_ = conn.Close()
			return
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.track(conn, false)
			newSession(s, conn).serve()
		}()
	}
}

// track returns false if the server is shutting down.
func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	return true
}

// PutFile creates or replaces the file at the absolute path p.
func (s *Server) PutFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Dir(p))
	s.files[path.Clean(p)] = &file{data: append([]byte(nil), data...), modTime: time.Now().UTC()}
}

// File returns a copy of the content at p and whether it exists.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Files returns the sorted paths of all files.
func (s *Server) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commands returns every command received so far, in order, as
// "VERB argument". Passwords are masked.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandCount returns how many times verb was received.
func (s *Server) CommandCount(verb string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == verb || strings.HasPrefix(c, verb+" ") {
			n++
		}
	}
	return n
}

// OverrideReply makes the server answer the next times occurrences of
// command with reply instead of handling it. command is either a bare verb
// ("SIZE") or a verb with its argument ("RETR log.csv"). A times of 0 or
// less applies forever.
func (s *Server) OverrideReply(command string, times int, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append(s.overrides, &override{command: command, reply: reply, left: limit(times)})
}

// StickDelete makes DELE of p report success without removing the file,
// times times (0 or less: always).
func (s *Server) StickDelete(p string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck[path.Clean(p)] = limit(times)
}

// DropFinalReply stores uploads to p but never sends the final 226,
// times times (0 or less: always).
func (s *Server) DropFinalReply(p string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[path.Clean(p)] = limit(times)
}

// TruncateStore keeps only the first keep bytes of uploads to p,
// times times (0 or less: always).
func (s *Server) TruncateStore(p string, keep, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated[path.Clean(p)] = &truncation{keep: keep, left: limit(times)}
}

func limit(times int) int {
	if times <= 0 {
		return -1
	}
	return times
}

// use consumes one use of a fault counter. Callers hold mu.
func use(counters map[string]int, p string) bool {
	left, ok := counters[p]
	if !ok || left == 0 {
		return false
	}
	if left > 0 {
		counters[p] = left - 1
	}
	return true
}

func (s *Server) takeOverride(command, arg string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := command + " " + arg
	for _, o := range s.overrides {
		if (o.command != command && o.command != full) || o.left == 0 {
			continue
		}
		if o.left > 0 {
			o.left--
		}
		return o.reply, true
	}
	return "", false
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

// mkdirAll registers p and its parents. Callers hold mu or own s.
func (s *Server) mkdirAll(p string) {
	for p = path.Clean("/" + p); ; p = path.Dir(p) {
		s.dirs[p] = true
		if p == "/" {
			return
		}
	}
}

func formatModTime(t time.Time) string {
	return t.UTC().Format("20060102150405")
}
