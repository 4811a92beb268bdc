package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrReloadFailed wraps every failure to trigger a dispatcher reload.
var ErrReloadFailed = errors.New("dispatcher reload failed")

// DefaultReloadCommand asks a running Kamailio to re-read dispatcher.list.
var DefaultReloadCommand = []string{"kamcmd", "dispatcher.reload"}

// Reloader tells the dispatcher to pick up a newly published list.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloadFunc adapts a function to Reloader.
type ReloadFunc func(ctx context.Context) error

func (f ReloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// NopReloader does nothing. Used when the dispatcher polls the file itself.
type NopReloader struct{}

func (NopReloader) Reload(context.Context) error { return nil }

// CommandReloader runs an external command, e.g. `kamcmd dispatcher.reload`.
type CommandReloader struct {
	Argv    []string
	Timeout time.Duration
}

func (c *CommandReloader) Reload(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrReloadFailed)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %w: %s", ErrReloadFailed, strings.Join(c.Argv, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}

// SignalReloader sends a signal to the process whose pid is in PIDFile.
type SignalReloader struct {
	PIDFile string
	Signal  syscall.Signal
}

func (s *SignalReloader) Reload(context.Context) error {
	data, err := os.ReadFile(s.PIDFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReloadFailed, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("%w: bad pid in %s", ErrReloadFailed, s.PIDFile)
	}
	if err := syscall.Kill(pid, s.Signal); err != nil {
		return fmt.Errorf("%w: signal %d to pid %d: %w", ErrReloadFailed, s.Signal, pid, err)
	}
	return nil
}

// ParseSignal accepts names like "HUP", "SIGUSR1" or a number.
func ParseSignal(name string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return syscall.Signal(n), nil
	}
	switch strings.TrimPrefix(strings.ToUpper(name), "SIG") {
	case "HUP":
		return syscall.SIGHUP, nil
	case "USR1":
		return syscall.SIGUSR1, nil
	case "USR2":
		return syscall.SIGUSR2, nil
	case "INT":
		return syscall.SIGINT, nil
	case "TERM":
		return syscall.SIGTERM, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
