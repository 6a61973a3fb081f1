package uxstream

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	fdengine "github.com/joeycumines/go-fdengine"
)

func newTestEngine(t *testing.T) *fdengine.Engine {
	t.Helper()
	e, err := fdengine.New(
		fdengine.WithWorkers(2),
		fdengine.WithMaxFDs(1024),
		fdengine.WithPollInterval(20*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// shortSocketPath returns a path safely under the sun_path limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ux")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func dialRetry(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.Dial("unix", path)
		if err == nil {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", path, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenAcceptClose(t *testing.T) {
	e := newTestEngine(t)
	path := shortSocketPath(t)

	accepted := make(chan int, 16)
	l, err := Listen(e, Config{Path: path, Backlog: 8}, func(th *fdengine.Thread, cfd int, _ *unix.SockaddrUnix) error {
		accepted <- cfd
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateListen, l.State())

	_, err = os.Stat(path)
	require.NoError(t, err, "socket must exist on the filesystem")

	require.NoError(t, l.Enable())
	assert.Equal(t, StateReady, l.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	c := dialRetry(t, path)
	defer c.Close()

	var cfd int
	select {
	case cfd = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept callback")
	}
	defer unix.Close(cfd)

	// The accepted descriptor must be usable and non-blocking.
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, rerr := unix.Read(cfd, buf)
		if n > 0 {
			assert.Equal(t, "ping", string(buf[:n]))
			break
		}
		if rerr != nil && rerr != unix.EAGAIN && rerr != unix.EINTR {
			t.Fatalf("read from accepted connection: %v", rerr)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out reading from accepted connection")
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket must be removed on close")

	cancel()
	require.NoError(t, <-runDone)
}

func TestFullParksAndResumeRearms(t *testing.T) {
	e := newTestEngine(t)
	path := shortSocketPath(t)

	accepted := make(chan int, 16)
	l, err := Listen(e, Config{Path: path, Backlog: 8, MaxAccept: 4}, func(th *fdengine.Thread, cfd int, _ *unix.SockaddrUnix) error {
		accepted <- cfd
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, l.Enable())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	c1 := dialRetry(t, path)
	defer c1.Close()
	select {
	case cfd := <-accepted:
		unix.Close(cfd)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first accept")
	}

	l.Full()
	assert.Equal(t, StateFull, l.State())

	// A parked listener leaves connections in the kernel backlog.
	c2 := dialRetry(t, path)
	defer c2.Close()
	select {
	case <-accepted:
		t.Fatal("accept callback fired while parked")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, l.Resume())
	assert.Equal(t, StateReady, l.State())
	select {
	case cfd := <-accepted:
		unix.Close(cfd)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept after resume")
	}

	require.NoError(t, l.Close())
	cancel()
	require.NoError(t, <-runDone)
}

func TestHandlerFullRefusal(t *testing.T) {
	e := newTestEngine(t)
	path := shortSocketPath(t)

	refused := make(chan struct{}, 1)
	l, err := Listen(e, Config{Path: path, Backlog: 8}, func(th *fdengine.Thread, cfd int, _ *unix.SockaddrUnix) error {
		select {
		case refused <- struct{}{}:
		default:
		}
		return ErrListenerFull
	})
	require.NoError(t, err)
	require.NoError(t, l.Enable())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	c := dialRetry(t, path)
	defer c.Close()

	select {
	case <-refused:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refusal")
	}

	// The refusal closes the connection and parks the listener.
	deadline := time.Now().Add(5 * time.Second)
	for l.State() != StateFull {
		if time.Now().After(deadline) {
			t.Fatalf("listener state %v, want Full", l.State())
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, l.Close())
	cancel()
	require.NoError(t, <-runDone)
}

func TestSocketPermissions(t *testing.T) {
	e := newTestEngine(t)
	path := shortSocketPath(t)

	l, err := Listen(e, Config{Path: path, Backlog: 1, Mode: 0o660}, func(*fdengine.Thread, int, *unix.SockaddrUnix) error {
		return nil
	})
	require.NoError(t, err)
	defer l.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}

func TestListenErrors(t *testing.T) {
	e := newTestEngine(t)

	_, err := Listen(e, Config{}, func(*fdengine.Thread, int, *unix.SockaddrUnix) error { return nil })
	assert.Error(t, err, "empty path must be refused")

	// Binding under a missing directory fails cleanly.
	_, err = Listen(e, Config{Path: "/nonexistent-dir-for-test/s.sock"},
		func(*fdengine.Thread, int, *unix.SockaddrUnix) error { return nil })
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Init", StateInit.String())
	assert.Equal(t, "Listen", StateListen.String())
	assert.Equal(t, "Ready", StateReady.String())
	assert.Equal(t, "Full", StateFull.String())
	assert.Equal(t, "Unknown", State(42).String())
}
