package dispatcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcher.list")
	p := NewFilePublisher(path)

	l := RoutingList{SetID: 1, Entries: []Entry{{Address: "10.0.0.5", Port: 5060}}}
	require.NoError(t, p.Publish(l.Bytes()))

	got, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, l.Entries, got.Entries)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}

func TestWriteFailureKeepsPreviousList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatcher.list")
	good := RoutingList{SetID: 1, Entries: []Entry{{Address: "10.0.0.5", Port: 5060}, {Address: "10.0.0.6", Port: 5060}}}
	require.NoError(t, NewFilePublisher(path).Publish(good.Bytes()))

	boom := errors.New("disk full")
	err := WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		if _, err := io.WriteString(w, Header+"\n1 sip:10.0.0."); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArtifactWrite)
	assert.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, good.Bytes(), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be cleaned up")
}

func TestWriteFailureWhenDirectoryMissing(t *testing.T) {
	p := NewFilePublisher(filepath.Join(t.TempDir(), "missing", "dispatcher.list"))
	err := p.Publish([]byte(Header + "\n"))
	assert.ErrorIs(t, err, ErrArtifactWrite)
}

func TestCommandReloader(t *testing.T) {
	ok := &CommandReloader{Argv: []string{"true"}, Timeout: time.Second}
	assert.NoError(t, ok.Reload(context.Background()))

	fail := &CommandReloader{Argv: []string{"false"}}
	assert.ErrorIs(t, fail.Reload(context.Background()), ErrReloadFailed)

	assert.ErrorIs(t, (&CommandReloader{}).Reload(context.Background()), ErrReloadFailed)
}

func TestSignalReloader(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "kamailio.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	// signal 0 only checks that the process exists
	r := &SignalReloader{PIDFile: pidFile, Signal: syscall.Signal(0)}
	assert.NoError(t, r.Reload(context.Background()))

	require.NoError(t, os.WriteFile(pidFile, []byte("nope"), 0o644))
	assert.ErrorIs(t, r.Reload(context.Background()), ErrReloadFailed)

	missing := &SignalReloader{PIDFile: filepath.Join(t.TempDir(), "none.pid")}
	assert.ErrorIs(t, missing.Reload(context.Background()), ErrReloadFailed)
}

func TestParseSignal(t *testing.T) {
	for in, want := range map[string]syscall.Signal{
		"HUP": syscall.SIGHUP, "sigusr1": syscall.SIGUSR1, "SIGUSR2": syscall.SIGUSR2, "15": syscall.Signal(15),
	} {
		got, err := ParseSignal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSignal("WINCH?")
	assert.Error(t, err)
}
