// Package attach bridges the user's terminal to a session's multiplexer
// client through a PTY. The bridge owns raw mode, window resizes, and the
// detach key; the multiplexer session itself keeps running either way.
package attach

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"conductor/internal/errs"
	"conductor/internal/logging"
)

// DetachKey is Ctrl+Q. It is intercepted before reaching the multiplexer, so
// agent programs never see it.
const DetachKey byte = 0x11

// Result says how an attach ended.
type Result int

const (
	// Detached means the user pressed the detach key; the session lives on.
	Detached Result = iota
	// SessionEnded means the multiplexer session exited underneath the client.
	SessionEnded
)

func (r Result) String() string {
	if r == Detached {
		return "detached"
	}
	return "session ended"
}

// Bridge attaches the controlling terminal to multiplexer sessions.
type Bridge struct {
	stdin  *os.File
	stdout *os.File
	logger *logging.Logger
}

func NewBridge(logger *logging.Logger) *Bridge {
	return &Bridge{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		logger: logger,
	}
}

// Attach runs a multiplexer client for muxName on a PTY and wires it to the
// user's terminal until the detach key is pressed or the session ends. The
// terminal is restored before returning.
func (b *Bridge) Attach(ctx context.Context, muxName string) (Result, error) {
	const op = errs.Op("attach.Attach")

	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", muxName)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, errs.E(op, errs.KindPermanent, fmt.Errorf("start attach client: %w", err))
	}
	defer ptmx.Close()

	// Track terminal size, including the initial one.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = pty.InheritSize(b.stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(b.stdin.Fd()))
	if err != nil {
		return 0, errs.E(op, errs.KindPermanent, fmt.Errorf("raw mode: %w", err))
	}
	defer term.Restore(int(b.stdin.Fd()), oldState)

	detached := make(chan struct{})
	var once sync.Once

	// Forward keystrokes, watching for the detach key. Input already read
	// ahead of the key is still delivered.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := b.stdin.Read(buf)
			if n > 0 {
				before, found := splitAtDetach(buf[:n])
				if len(before) > 0 {
					if _, werr := ptmx.Write(before); werr != nil {
						return
					}
				}
				if found {
					once.Do(func() { close(detached) })
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(b.stdout, ptmx)
		close(copied)
	}()

	select {
	case <-detached:
		// Killing the client process detaches; the session survives.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if b.logger != nil {
			b.logger.Info("detached from session", map[string]string{"mux": muxName})
		}
		return Detached, nil
	case <-copied:
		_ = cmd.Wait()
		if b.logger != nil {
			b.logger.Info("session ended under attach", map[string]string{"mux": muxName})
		}
		return SessionEnded, nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, errs.E(op, errs.KindTimeout, ctx.Err())
	}
}

// splitAtDetach returns the bytes preceding the first detach key, and whether
// the key was present.
func splitAtDetach(buf []byte) ([]byte, bool) {
	if i := bytes.IndexByte(buf, DetachKey); i >= 0 {
		return buf[:i], true
	}
	return buf, false
}
