package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// session is one control connection. Commands, including data transfers,
// are handled one at a time on the session goroutine.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	sessionID string

	userOK     bool
	loggedIn   bool
	cwd        string
	renameFrom string

	pasvList net.Listener
}

// commandHandlers maps FTP commands to their handler functions.
// USER, PASS and QUIT are handled in handleCommand.
var commandHandlers = map[string]func(*session, string){
	"CWD":  (*session).handleCWD,
	"PWD":  (*session).handlePWD,
	"TYPE": (*session).handleTYPE,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
	"FEAT": (*session).handleFEAT,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
	"RETR": (*session).handleRETR,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"SIZE": (*session).handleSIZE,
	"MLST": (*session).handleMLST,
	"MDTM": (*session).handleMDTM,
	"NOOP": (*session).handleNOOP,
}

// commands allowed before login
var preLogin = map[string]bool{"FEAT": true, "NOOP": true}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server:    server,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		sessionID: uuid.New().String(),
		cwd:       "/",
	}
}

func (s *session) serve() {
	defer s.close()

	s.reply(220, s.server.welcome)
	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_addr", s.conn.RemoteAddr().String(),
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.server.logger.Debug("read error", "session_id", s.sessionID, "error", err)
			}
			return
		}
		if !s.handleCommand(line) {
			return
		}
	}
}

func (s *session) close() {
	if s.pasvList != nil {
		_ = s.pasvList.Close()
	}
	_ = s.conn.Close()
	s.server.logger.Debug("session closed", "session_id", s.sessionID)
}

// handleCommand parses and dispatches a command. It returns false when
// the session must end.
func (s *session) handleCommand(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)

	logged := line
	if cmd == "PASS" {
		logged = "PASS ***"
	}
	s.server.record(logged)
	s.server.logger.Debug("command received", "session_id", s.sessionID, "cmd", cmd, "arg", arg)

	if reply, ok := s.server.takeOverride(cmd, arg); ok {
		s.replyRaw(reply)
		return true
	}

	switch cmd {
	case "USER":
		s.handleUSER(arg)
		return true
	case "PASS":
		s.handlePASS(arg)
		return true
	case "QUIT":
		s.reply(221, "Service closing control connection.")
		return false
	}

	handler, ok := commandHandlers[cmd]
	if !ok {
		s.reply(502, "Command not implemented.")
		return true
	}
	if !s.loggedIn && !preLogin[cmd] {
		s.reply(530, "Not logged in.")
		return true
	}
	handler(s, arg)
	return true
}

// reply sends a single-line response to the client.
func (s *session) reply(code int, message string) {
	s.replyRaw(fmt.Sprintf("%d %s", code, message))
}

// replyRaw sends text as is, terminating it with CRLF.
func (s *session) replyRaw(text string) {
	_, _ = s.writer.WriteString(text + "\r\n")
	_ = s.writer.Flush()
}

// replyMulti sends a multi-line response whose body lines start with a
// space, as MLST and FEAT do.
func (s *session) replyMulti(code int, first string, body []string, last string) {
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, first)
	for _, line := range body {
		fmt.Fprintf(s.writer, " %s\r\n", line)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
	_ = s.writer.Flush()
}

func (s *session) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

func (s *session) handleUSER(arg string) {
	s.loggedIn = false
	s.userOK = arg == s.server.user
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(arg string) {
	if !s.userOK || arg != s.server.pass {
		s.reply(530, "Login incorrect.")
		return
	}
	s.loggedIn = true
	s.reply(230, "User logged in, proceed.")
}

func (s *session) handleCWD(arg string) {
	dir := s.resolve(arg)
	s.server.mu.Lock()
	ok := s.server.dirs[dir]
	s.server.mu.Unlock()
	if !ok {
		s.reply(550, "Directory not found.")
		return
	}
	s.cwd = dir
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handlePWD(string) {
	s.reply(257, strconv.Quote(s.cwd)+" is the current directory.")
}

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "I", "A":
		s.reply(200, "Type set to "+strings.ToUpper(arg)+".")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

func (s *session) handleNOOP(string) {
	s.reply(200, "OK.")
}

func (s *session) handleFEAT(string) {
	s.replyMulti(211, "Features:", []string{"MDTM", "MLST size*;type*;modify*;", "SIZE"}, "End")
}

func (s *session) handleEPSV(string) {
	s.reply(502, "Command not implemented.")
}

func (s *session) handlePASV(string) {
	if s.pasvList != nil {
		_ = s.pasvList.Close()
	}

	host := s.conn.LocalAddr().(*net.TCPAddr).IP.To4()
	if host == nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host.String(), "0"))
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.pasvList = ln

	port := ln.Addr().(*net.TCPAddr).Port
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		host[0], host[1], host[2], host[3], port/256, port%256))
}

// connData accepts the data connection announced by the last PASV.
func (s *session) connData() (net.Conn, error) {
	ln := s.pasvList
	s.pasvList = nil
	if ln == nil {
		return nil, errors.New("no passive listener")
	}
	defer ln.Close()

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(s.server.dataTimeout))
	}
	return ln.Accept()
}

func (s *session) handleSTOR(arg string) {
	s.store(arg, false)
}

func (s *session) handleAPPE(arg string) {
	s.store(arg, true)
}

func (s *session) store(arg string, appendMode bool) {
	p := s.resolve(arg)
	s.server.mu.Lock()
	dirOK := s.server.dirs[path.Dir(p)]
	s.server.mu.Unlock()
	if !dirOK {
		s.reply(550, "Directory not found.")
		return
	}

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	s.reply(150, "Ok to send data.")

	_ = conn.SetReadDeadline(time.Now().Add(s.server.dataTimeout))
	data, err := io.ReadAll(conn)
	_ = conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}

	op := "STOR"
	if appendMode {
		op = "APPE"
	}

	s.server.mu.Lock()
	if t, ok := s.server.truncated[p]; ok && t.left != 0 && len(data) > t.keep {
		data = data[:t.keep]
		if t.left > 0 {
			t.left--
		}
	}
	f, exists := s.server.files[p]
	if appendMode && exists {
		f.data = append(f.data, data...)
		f.modTime = time.Now().UTC()
	} else {
		s.server.files[p] = &file{data: data, modTime: time.Now().UTC()}
	}
	drop := use(s.server.dropped, p)
	s.server.mu.Unlock()

	s.server.logger.Info("transfer_complete",
		"session_id", s.sessionID,
		"operation", op,
		"path", p,
		"bytes", len(data),
	)

	if drop {
		return
	}
	s.reply(226, "Transfer complete.")
}

func (s *session) handleRETR(arg string) {
	p := s.resolve(arg)
	s.server.mu.Lock()
	f, ok := s.server.files[p]
	var data []byte
	if ok {
		data = append([]byte(nil), f.data...)
	}
	s.server.mu.Unlock()
	if !ok {
		s.reply(550, "File not found.")
		return
	}

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	s.reply(150, "Opening data connection for RETR.")

	_ = conn.SetWriteDeadline(time.Now().Add(s.server.dataTimeout))
	_, err = conn.Write(data)
	_ = conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}

	s.server.logger.Info("transfer_complete",
		"session_id", s.sessionID,
		"operation", "RETR",
		"path", p,
		"bytes", len(data),
	)
	s.reply(226, "Transfer complete.")
}

func (s *session) handleDELE(arg string) {
	p := s.resolve(arg)
	s.server.mu.Lock()
	_, ok := s.server.files[p]
	stuck := ok && use(s.server.stuck, p)
	if ok && !stuck {
		delete(s.server.files, p)
	}
	s.server.mu.Unlock()

	if !ok {
		s.reply(550, "File not found.")
		return
	}
	s.reply(250, "Delete operation successful.")
}

func (s *session) handleRNFR(arg string) {
	p := s.resolve(arg)
	s.server.mu.Lock()
	_, ok := s.server.files[p]
	s.server.mu.Unlock()
	if !ok {
		s.renameFrom = ""
		s.reply(550, "File not found.")
		return
	}
	s.renameFrom = p
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) {
	from := s.renameFrom
	s.renameFrom = ""
	if from == "" {
		s.reply(503, "RNFR required first.")
		return
	}

	to := s.resolve(arg)
	s.server.mu.Lock()
	f, ok := s.server.files[from]
	dirOK := s.server.dirs[path.Dir(to)]
	if ok && dirOK {
		delete(s.server.files, from)
		s.server.files[to] = f
	}
	s.server.mu.Unlock()

	if !ok || !dirOK {
		s.reply(550, "Rename failed.")
		return
	}
	s.reply(250, "Rename successful.")
}

func (s *session) lookup(arg string) (*file, string, bool) {
	p := s.resolve(arg)
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, ok := s.server.files[p]
	if !ok {
		return nil, p, false
	}
	return &file{data: f.data, modTime: f.modTime}, p, true
}

func (s *session) handleSIZE(arg string) {
	f, _, ok := s.lookup(arg)
	if !ok {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, strconv.Itoa(len(f.data)))
}

func (s *session) handleMDTM(arg string) {
	f, _, ok := s.lookup(arg)
	if !ok {
		s.reply(550, "Could not get file modification time.")
		return
	}
	s.reply(213, formatModTime(f.modTime))
}

func (s *session) handleMLST(arg string) {
	f, p, ok := s.lookup(arg)
	if !ok {
		s.reply(550, "File not found.")
		return
	}
	facts := fmt.Sprintf("size=%d;type=file;modify=%s; %s", len(f.data), formatModTime(f.modTime), p)
	s.replyMulti(250, "Listing "+arg, []string{facts}, "End")
}
