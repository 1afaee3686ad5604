// Package redisstub runs a minimal in-process RESP server that understands the
// key/value and counter commands used by the token store and login limiter.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
	now      func() time.Time
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
		now:      time.Now,
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Advance shifts the stub's clock so key expiry can be exercised without
// sleeping.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.now
	s.now = func() time.Time { return base().Add(d) }
}

// CommandCount reports how many times the named command was received.
func (s *Server) CommandCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(name)]
}

// TTL returns the remaining lifetime of key, or -1 when it has none and -2
// when it does not exist.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookupLocked(key)
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return entry.expiry.Sub(s.now())
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		s.mu.Unlock()
		switch cmd {
		case "HELLO":
			// Forces clients back onto RESP2.
			err = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			err = writeSimpleString(writer, "OK")
		case "PING":
			err = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			switch {
			case len(args) < 2 || len(args) > 3:
				err = writeError(writer, "ERR wrong number of arguments for 'auth'")
			case s.opts.Password == "" || password == s.opts.Password:
				authenticated = true
				err = writeSimpleString(writer, "OK")
			default:
				err = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				err = writeError(writer, "NOAUTH Authentication required.")
			} else {
				err = s.dispatch(writer, cmd, args[1:])
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "SET":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'set'")
		}
		var ttl time.Duration
		for i := 2; i+1 < len(args); i += 2 {
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			switch strings.ToUpper(args[i]) {
			case "EX":
				ttl = time.Duration(n) * time.Second
			case "PX":
				ttl = time.Duration(n) * time.Millisecond
			default:
				return writeError(writer, "ERR syntax error")
			}
		}
		s.mu.Lock()
		entry := &kvEntry{value: args[1]}
		if ttl > 0 {
			entry.expiry = s.now().Add(ttl)
		}
		s.kv[args[0]] = entry
		s.mu.Unlock()
		return writeSimpleString(writer, "OK")
	case "GET":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		entry, ok := s.lookupLocked(args[0])
		s.mu.Unlock()
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, entry.value)
	case "DEL":
		var removed int64
		s.mu.Lock()
		for _, key := range args {
			if _, ok := s.lookupLocked(key); ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "INCR":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		entry, ok := s.lookupLocked(args[0])
		if !ok {
			entry = &kvEntry{value: "0"}
			s.kv[args[0]] = entry
		}
		n, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			s.mu.Unlock()
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		n++
		entry.value = strconv.FormatInt(n, 10)
		s.mu.Unlock()
		return writeInteger(writer, n)
	case "EXPIRE", "PEXPIRE":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		s.mu.Lock()
		entry, ok := s.lookupLocked(args[0])
		if ok {
			entry.expiry = s.now().Add(time.Duration(n) * unit)
		}
		s.mu.Unlock()
		if !ok {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "TTL", "PTTL":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		ttl := s.TTL(args[0])
		if ttl < 0 {
			return writeInteger(writer, int64(ttl))
		}
		if cmd == "PTTL" {
			return writeInteger(writer, ttl.Milliseconds())
		}
		return writeInteger(writer, int64((ttl+time.Second-1)/time.Second))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) lookupLocked(key string) (*kvEntry, bool) {
	entry, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	if !entry.expiry.IsZero() && !s.now().Before(entry.expiry) {
		delete(s.kv, key)
		return nil, false
	}
	return entry, true
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	count, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSuffix(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
