package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fwdplane/fibd/common/go/logging"
	fib "github.com/fwdplane/fibd/modules/fib"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "fibd",
	Short: "IP longest-prefix-match route lookup daemon",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := fib.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := fib.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	module, err := fib.NewFIBModule(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize fib module: %w", err)
	}
	defer module.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return module.Run(ctx)
	})
	wg.Go(func() error {
		<-ctx.Done()
		log.Infof("caught signal, shutting down")
		return ctx.Err()
	})

	return wg.Wait()
}
