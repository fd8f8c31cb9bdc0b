package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// Endpoint is the control channel address of a running fibd.
	Endpoint string
	// Timeout bounds the whole exchange, connection retries included.
	Timeout time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "fibctl COMMAND [ARGS...]",
	Short: "Control client for fibd",
	Long: `Sends one command to the fibd control channel and prints the response.

Commands: add ADDR/LEN [GW] PORT, set ADDR/LEN [GW] PORT, remove ADDR/LEN,
flush, table [PATTERN], lookup ADDR, stat. The special command "ctrl" reads
a batch of add/set/remove lines from stdin and applies them in order; the
batch stops at the first failing line and the lines before it stay applied.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(rawCmd *cobra.Command, args []string) error {
		rawCmd.SilenceUsage = true
		return run(cmd, args)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.Endpoint, "endpoint", "e", "127.0.0.1:7643", "fibd control channel address")
	rootCmd.Flags().DurationVarP(&cmd.Timeout, "timeout", "t", 10*time.Second, "total exchange timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	conn, err := dial(ctx, cmd.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", cmd.Endpoint, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	if args[0] == "ctrl" {
		fmt.Fprintln(w, "ctrl")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Fprintln(w, scanner.Text())
		}
		fmt.Fprintln(w, ".")
	} else {
		fmt.Fprintln(w, strings.Join(args, " "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	conn.CloseWrite()

	resp, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	fmt.Print(string(resp))
	if strings.HasPrefix(string(resp), "error") {
		os.Exit(1)
	}
	return nil
}

// dial retries with exponential backoff so fibctl can be scripted against
// a daemon that is still starting up.
func dial(ctx context.Context, endpoint string) (*net.TCPConn, error) {
	return backoff.Retry(ctx, func() (*net.TCPConn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			return nil, err
		}
		return conn.(*net.TCPConn), nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
}
