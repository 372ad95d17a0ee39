package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		signalCmd("stop", "Stop the running server", syscall.SIGTERM),
		signalCmd("restart", "Re-exec the running server with fresh config", syscall.SIGHUP),
	)
}

// signalCmd builds a command that delivers sig to the process named in the
// PID file written by serve.
func signalCmd(use, short string, sig syscall.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			proc, err := findDaemon(loadConfig().DataDir)
			if err != nil {
				return err
			}
			if err := proc.Signal(sig); err != nil {
				return fmt.Errorf("signal %d: %w", proc.Pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to pid %d\n", sig, proc.Pid)
			return nil
		},
	}
}

func findDaemon(dataDir string) (*os.Process, error) {
	raw, err := os.ReadFile(pidPath(dataDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.New("server is not running")
	}
	if err != nil {
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("malformed pid file: %w", err)
	}
	// FindProcess always succeeds on unix; signal 0 checks liveness.
	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("server is not running (stale pid %d)", pid)
	}
	return proc, nil
}
