package shellrt

import (
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"
)

// spawnPipe starts the child with raw stdio pipes. stdout and stderr are
// both forwarded to subscribers; protocol children (line JSON-RPC) keep
// their frames on stdout only, so consumers that care split by stream via
// StderrTail.
func (r *Runtime) spawnPipe(sh *shell, argv []string, cwd string, env []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	sh.cmd = cmd
	sh.stdin = stdin

	go r.pump(sh, stdout)
	go r.pumpStderr(sh, stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			r.logger.Info("shell exited", zap.String("shell_id", sh.id), zap.Error(err))
		} else {
			r.logger.Info("shell exited", zap.String("shell_id", sh.id))
		}
		sh.markDead()
	}()
	return nil
}

// pump forwards child output chunks to subscribers until EOF.
func (r *Runtime) pump(sh *shell, src io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sh.broadcast(chunk)
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("shell read error", zap.String("shell_id", sh.id), zap.Error(err))
			}
			return
		}
	}
}

// stderrTailSize bounds the retained stderr lines per shell.
const stderrTailSize = 50

// pumpStderr retains a ring of recent stderr lines for error context.
func (r *Runtime) pumpStderr(sh *shell, src io.Reader) {
	buf := make([]byte, 8192)
	var pending []byte
	for {
		n, err := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := indexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := string(pending[:idx])
				pending = pending[idx+1:]
				sh.appendStderr(line)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				sh.appendStderr(string(pending))
			}
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (sh *shell) appendStderr(line string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.stderrTail = append(sh.stderrTail, line)
	if len(sh.stderrTail) > stderrTailSize {
		sh.stderrTail = sh.stderrTail[len(sh.stderrTail)-stderrTailSize:]
	}
}

// StderrTail returns the most recent stderr lines for a shell.
func (r *Runtime) StderrTail(shellID string) []string {
	sh, err := r.get(shellID)
	if err != nil {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]string, len(sh.stderrTail))
	copy(out, sh.stderrTail)
	return out
}
