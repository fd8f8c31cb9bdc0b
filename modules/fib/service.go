package fib

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// Service exposes the route table over a line-oriented text channel.
//
// One command per line: add, set, remove, flush, table, lookup, stat. A
// "ctrl" line opens a batch of add/set/remove commands terminated by a
// single "." line; the batch runs in order under the service lock and stops
// at the first failing line. Lines before the failing one stay applied: the
// batch is not rolled back. Responses to write commands are "ok" or
// "error: ...".
type Service struct {
	mu     sync.Mutex
	engine Engine
	log    *zap.SugaredLogger
}

// NewService constructs a control channel service over the engine.
func NewService(engine Engine, log *zap.SugaredLogger) *Service {
	return &Service{engine: engine, log: log}
}

// Serve accepts control connections until the context is canceled.
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control channel accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	s.log.Debugw("control connection opened", zap.Stringer("peer", conn.RemoteAddr()))

	w := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)

	var batch []string
	inBatch := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case inBatch && line == ".":
			fmt.Fprint(w, s.ExecBatch(batch))
			inBatch, batch = false, nil
		case inBatch:
			batch = append(batch, line)
		case line == "ctrl":
			inBatch = true
		default:
			fmt.Fprint(w, s.Exec(line))
		}
		w.Flush()
	}
}

// Exec runs a single command line and returns its response text.
func (s *Service) Exec(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(line)
}

// ExecBatch runs a ctrl batch: add/set/remove lines applied in order under
// the service lock, stopping at the first error. Lines applied before the
// error are not undone.
func (s *Service) ExecBatch(lines []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, line := range lines {
		cmd, _, _ := strings.Cut(line, " ")
		switch cmd {
		case "add", "set", "remove":
		default:
			return fmt.Sprintf("error: line %d: %q not allowed in a batch\n", i+1, cmd)
		}
		if resp := s.exec(line); strings.HasPrefix(resp, "error") {
			return fmt.Sprintf("error: line %d: %s", i+1, strings.TrimPrefix(resp, "error: "))
		}
	}
	return "ok\n"
}

func (s *Service) exec(line string) string {
	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "add", "set":
		r, err := parseRouteSpec(args)
		if err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
		if _, err := s.engine.AddRoute(r, cmd == "set"); err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
		return "ok\n"

	case "remove":
		prefix, err := parsePrefix(args)
		if err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
		if _, err := s.engine.RemoveRoute(prefix); err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
		return "ok\n"

	case "flush":
		s.engine.Flush()
		return "ok\n"

	case "table":
		dump := s.engine.DumpRoutes()
		if args == "" || dump == "" {
			return dump
		}
		g, err := glob.Compile(args)
		if err != nil {
			return fmt.Sprintf("error: bad pattern %q: %v\n", args, err)
		}
		var sb strings.Builder
		for _, row := range strings.Split(strings.TrimSuffix(dump, "\n"), "\n") {
			prefix, _, _ := strings.Cut(row, "\t")
			if g.Match(prefix) {
				sb.WriteString(row)
				sb.WriteByte('\n')
			}
		}
		return sb.String()

	case "lookup":
		addr, err := netip.ParseAddr(args)
		if err != nil {
			return fmt.Sprintf("error: bad address %q: %v\n", args, err)
		}
		port, gw := s.engine.LookupRoute(addr)
		if gw.IsValid() && !gw.IsUnspecified() {
			return fmt.Sprintf("%d %s\n", port, gw)
		}
		return fmt.Sprintf("%d\n", port)

	case "stat", "status":
		return s.engine.Status()

	default:
		return fmt.Sprintf("error: unknown command %q\n", cmd)
	}
}
