package fib

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

func newTestService() *Service {
	log := zap.NewNop().Sugar()
	return NewService(newRadixEngine(rib.NewTable(log)), log)
}

func TestExecCommands(t *testing.T) {
	svc := newTestService()

	require.Equal(t, "ok\n", svc.Exec("add 10.0.0.0/8 1"))
	require.Equal(t, "ok\n", svc.Exec("add 10.1.0.0/16 192.0.2.7 2"))

	resp := svc.Exec("add 10.0.0.0/8 3")
	require.True(t, strings.HasPrefix(resp, "error:"), "duplicate add must fail, got %q", resp)

	require.Equal(t, "ok\n", svc.Exec("set 10.0.0.0/8 3"))
	require.Equal(t, "3\n", svc.Exec("lookup 10.2.2.2"))
	require.Equal(t, "2 192.0.2.7\n", svc.Exec("lookup 10.1.2.3"))
	require.Equal(t, "-1\n", svc.Exec("lookup 11.0.0.1"))

	require.Equal(t, "10.0.0.0/8\t0.0.0.0\t3\n10.1.0.0/16\t192.0.2.7\t2\n", svc.Exec("table"))

	require.Equal(t, "ok\n", svc.Exec("remove 10.1.0.0/16"))
	resp = svc.Exec("remove 10.1.0.0/16")
	require.True(t, strings.HasPrefix(resp, "error:"))

	require.True(t, strings.HasPrefix(svc.Exec("stat"), "radix: 1 prefixes"))

	require.Equal(t, "ok\n", svc.Exec("flush"))
	require.Equal(t, "", svc.Exec("table"))

	require.True(t, strings.HasPrefix(svc.Exec("bogus"), "error:"))
	require.True(t, strings.HasPrefix(svc.Exec("add not-a-prefix 1"), "error:"))
	require.True(t, strings.HasPrefix(svc.Exec("lookup not-an-addr"), "error:"))
}

func TestTableGlobFilter(t *testing.T) {
	svc := newTestService()
	svc.Exec("add 10.0.0.0/8 1")
	svc.Exec("add 10.1.0.0/16 2")
	svc.Exec("add 192.168.0.0/16 3")

	require.Equal(t, "10.0.0.0/8\t0.0.0.0\t1\n10.1.0.0/16\t0.0.0.0\t2\n", svc.Exec("table 10.*"))
	require.Equal(t, "192.168.0.0/16\t0.0.0.0\t3\n", svc.Exec("table 192.168.*"))
	require.Equal(t, "", svc.Exec("table 172.*"))
}

func TestExecBatch(t *testing.T) {
	svc := newTestService()

	resp := svc.ExecBatch([]string{
		"add 10.0.0.0/8 1",
		"add 10.1.0.0/16 2",
		"set 10.1.0.0/16 3",
		"remove 10.0.0.0/8",
	})
	require.Equal(t, "ok\n", resp)
	require.Equal(t, "3\n", svc.Exec("lookup 10.1.2.3"))
	require.Equal(t, "-1\n", svc.Exec("lookup 10.2.0.1"))

	resp = svc.ExecBatch([]string{
		"add 172.16.0.0/12 4",
		"add 172.16.0.0/12 5",
	})
	require.True(t, strings.HasPrefix(resp, "error: line 2:"), "got %q", resp)

	resp = svc.ExecBatch([]string{"flush"})
	require.True(t, strings.HasPrefix(resp, "error: line 1:"), "flush is not a batch command")
}

func TestServeOverTCP(t *testing.T) {
	svc := newTestService()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, lis) }()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	fmt.Fprintln(w, "add 10.0.0.0/8 1")
	fmt.Fprintln(w, "ctrl")
	fmt.Fprintln(w, "add 10.1.0.0/16 2")
	fmt.Fprintln(w, "add 10.2.0.0/16 3")
	fmt.Fprintln(w, ".")
	fmt.Fprintln(w, "lookup 10.1.2.3")
	require.NoError(t, w.Flush())
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "ok\nok\n2\n", string(resp))

	cancel()
	require.NoError(t, <-done)
}
