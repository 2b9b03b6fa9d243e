package shellrt

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// PtyHandle abstracts the platform PTY: a bidirectional byte stream plus
// resize control.
type PtyHandle interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// spawnPTY starts the child inside a pseudo-terminal. With detach set the
// child runs under dtach so the session survives host-process restarts;
// reattaching later uses the same socket path.
func (r *Runtime) spawnPTY(sh *shell, argv []string, cwd string, env []string, detach bool) error {
	if detach {
		socket := sh.spec.Socket
		if socket == "" {
			socket = filepath.Join(r.runtimeDir, "dtach-"+sh.id+".sock")
		}
		if _, err := exec.LookPath("dtach"); err != nil {
			return fmt.Errorf("dtach backend requested but dtach not installed: %w", err)
		}
		// -A attaches, creating the session if the socket does not exist;
		// -z disables the suspend key so raw bytes pass through.
		argv = append([]string{"dtach", "-A", socket, "-z"}, argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(env, "TERM=xterm-256color")

	cols, rows := sh.spec.Cols, sh.spec.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}

	handle, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	sh.cmd = cmd
	sh.pty = handle
	sh.stdin = handle

	go r.pump(sh, handle)
	go func() {
		if cmd.Process != nil {
			err := cmd.Wait()
			if err != nil {
				r.logger.Info("pty shell exited", zap.String("shell_id", sh.id), zap.Error(err))
			} else {
				r.logger.Info("pty shell exited", zap.String("shell_id", sh.id))
			}
		}
		sh.markDead()
	}()
	return nil
}
