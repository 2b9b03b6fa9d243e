// Package shellrt is the shell runtime adapter: a uniform spawn /
// subscribe / write / terminate surface over pipe- and PTY-backed child
// processes. The runtime is namespaced by an installation fingerprint and
// a local secret so two installations never share shells.
package shellrt

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/logger"
)

// Backend selects how the child is wired.
type Backend string

const (
	// BackendPipe wires stdin/stdout/stderr as raw pipes.
	BackendPipe Backend = "pipe"
	// BackendPTY allocates a pseudo-terminal.
	BackendPTY Backend = "pty"
	// BackendDtach is a PTY that survives host-process restarts via dtach.
	BackendDtach Backend = "dtach"
)

// ErrShellGone is returned for writes to a terminated shell.
var ErrShellGone = errors.New("shell_gone")

// ErrUnknownShell is returned when a shell id does not resolve.
var ErrUnknownShell = errors.New("unknown shell id")

// Spec describes a child process to spawn.
type Spec struct {
	Argv    []string
	Cwd     string
	Env     map[string]string // overlay on the inherited environment
	Backend Backend
	Labels  map[string]string
	Cols    int // PTY backends only
	Rows    int // PTY backends only

	// Socket is the dtach socket path; derived from the runtime dir when
	// empty.
	Socket string
}

// SpawnCtx supplies ${VAR} interpolation values for argv, cwd, and env.
type SpawnCtx map[string]string

// Status reports a shell's liveness.
type Status struct {
	Alive     bool      `json:"alive"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// subscriberBuffer bounds each subscriber queue. Full subscribers drop
// chunks rather than stalling the reader.
const subscriberBuffer = 512

type shell struct {
	id        string
	spec      Spec
	cmd       *exec.Cmd
	pty       PtyHandle // nil for pipe backend
	stdin     interface{ Write([]byte) (int, error) }
	startedAt time.Time

	mu         sync.Mutex
	alive      bool
	stderrTail []string

	subMu sync.Mutex
	subs  map[chan []byte]struct{}
}

// Runtime owns spawned shells for one installation.
type Runtime struct {
	fingerprint string
	runtimeDir  string
	logger      *logger.Logger

	mu     sync.RWMutex
	shells map[string]*shell
}

// New creates the runtime for the installation rooted at installRoot,
// deriving (and persisting on first use) the namespace secret under
// cacheRoot/framework_shells/runtimes/<fingerprint>.
func New(cacheRoot, installRoot string, log *logger.Logger) (*Runtime, error) {
	fp := Fingerprint(installRoot)
	dir, err := ensureRuntimeDir(cacheRoot, fp)
	if err != nil {
		return nil, err
	}
	if _, err := EnsureSecret(dir); err != nil {
		return nil, err
	}
	return &Runtime{
		fingerprint: fp,
		runtimeDir:  dir,
		logger:      log.WithFields(zap.String("component", "shellrt"), zap.String("fingerprint", fp)),
		shells:      make(map[string]*shell),
	}, nil
}

// Fingerprint returns the runtime namespace fingerprint.
func (r *Runtime) Fingerprint() string {
	return r.fingerprint
}

// RuntimeDir returns the per-installation runtime directory.
func (r *Runtime) RuntimeDir() string {
	return r.runtimeDir
}

// interpolate expands ${VAR} references from the spawn context.
func interpolate(s string, ctx SpawnCtx) string {
	if ctx == nil {
		return s
	}
	return os.Expand(s, func(key string) string {
		if v, ok := ctx[key]; ok {
			return v
		}
		return "${" + key + "}"
	})
}

// Spawn starts a child described by the Spec and returns its shell id. Spawn
// failures surface synchronously.
func (r *Runtime) Spawn(spec Spec, ctx SpawnCtx) (string, error) {
	if len(spec.Argv) == 0 {
		return "", fmt.Errorf("spawn: empty argv")
	}

	argv := make([]string, len(spec.Argv))
	for i, a := range spec.Argv {
		argv[i] = interpolate(a, ctx)
	}
	cwd := interpolate(spec.Cwd, ctx)

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+interpolate(v, ctx))
	}
	env = append(env, "FRAMEWORK_SHELLS_RUNTIME="+r.runtimeDir)

	sh := &shell{
		id:        uuid.New().String(),
		spec:      spec,
		startedAt: time.Now(),
		alive:     true,
		subs:      make(map[chan []byte]struct{}),
	}

	var err error
	switch spec.Backend {
	case BackendPipe, "":
		err = r.spawnPipe(sh, argv, cwd, env)
	case BackendPTY:
		err = r.spawnPTY(sh, argv, cwd, env, false)
	case BackendDtach:
		err = r.spawnPTY(sh, argv, cwd, env, true)
	default:
		err = fmt.Errorf("unknown backend %q", spec.Backend)
	}
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.shells[sh.id] = sh
	r.mu.Unlock()

	r.logger.Info("spawned shell",
		zap.String("shell_id", sh.id),
		zap.String("backend", string(spec.Backend)),
		zap.Strings("argv", argv),
		zap.Int("pid", sh.pid()))
	return sh.id, nil
}

// Subscribe attaches a byte-stream consumer. Each consumer sees every
// chunk from subscription forward; the channel closes when the process
// dies.
func (r *Runtime) Subscribe(shellID string) (<-chan []byte, func(), error) {
	sh, err := r.get(shellID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan []byte, subscriberBuffer)

	sh.subMu.Lock()
	dead := !sh.isAlive()
	if !dead {
		sh.subs[ch] = struct{}{}
	}
	sh.subMu.Unlock()

	if dead {
		close(ch)
		return ch, func() {}, nil
	}

	cancel := func() {
		sh.subMu.Lock()
		if _, ok := sh.subs[ch]; ok {
			delete(sh.subs, ch)
			close(ch)
		}
		sh.subMu.Unlock()
	}
	return ch, cancel, nil
}

// Write sends bytes to the shell's input. Callers serialize their own
// writes; the runtime only guarantees no interleaving within one call.
func (r *Runtime) Write(shellID string, data []byte) error {
	sh, err := r.get(shellID)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !sh.alive || sh.stdin == nil {
		return ErrShellGone
	}
	_, err = sh.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShellGone, err)
	}
	return nil
}

// Resize adjusts the terminal size of a PTY-backed shell.
func (r *Runtime) Resize(shellID string, cols, rows uint16) error {
	sh, err := r.get(shellID)
	if err != nil {
		return err
	}
	if sh.pty == nil {
		return fmt.Errorf("shell %s is not PTY-backed", shellID)
	}
	return sh.pty.Resize(cols, rows)
}

// Terminate stops a shell. Idempotent; force kills immediately instead of
// closing stdin / the PTY first.
func (r *Runtime) Terminate(shellID string, force bool) error {
	sh, err := r.get(shellID)
	if err != nil {
		if errors.Is(err, ErrUnknownShell) {
			return nil
		}
		return err
	}

	sh.mu.Lock()
	alive := sh.alive
	sh.alive = false
	sh.mu.Unlock()
	if !alive {
		return nil
	}

	r.logger.Info("terminating shell", zap.String("shell_id", shellID), zap.Bool("force", force))
	if force {
		if sh.cmd != nil && sh.cmd.Process != nil {
			_ = sh.cmd.Process.Kill()
		}
		return nil
	}
	if sh.pty != nil {
		// Closing the PTY master delivers SIGHUP on Unix.
		_ = sh.pty.Close()
		return nil
	}
	if closer, ok := sh.stdin.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return nil
}

// Status reports liveness for one shell.
func (r *Runtime) Status(shellID string) (Status, error) {
	sh, err := r.get(shellID)
	if err != nil {
		return Status{}, err
	}
	return Status{Alive: sh.isAlive(), PID: sh.pid(), StartedAt: sh.startedAt}, nil
}

// List returns the ids of all known shells with their labels.
func (r *Runtime) List() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]string, len(r.shells))
	for id, sh := range r.shells {
		out[id] = sh.spec.Labels
	}
	return out
}

// Close terminates every shell.
func (r *Runtime) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.shells))
	for id := range r.shells {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Terminate(id, true)
	}
}

func (r *Runtime) get(shellID string) (*shell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shells[shellID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShell, strings.TrimSpace(shellID))
	}
	return sh, nil
}

func (sh *shell) isAlive() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.alive
}

func (sh *shell) pid() int {
	if sh.cmd != nil && sh.cmd.Process != nil {
		return sh.cmd.Process.Pid
	}
	return 0
}

// broadcast fans a chunk out to all subscribers, dropping chunks for full
// queues.
func (sh *shell) broadcast(data []byte) {
	sh.subMu.Lock()
	defer sh.subMu.Unlock()
	for ch := range sh.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// markDead flips liveness and closes every subscriber channel (the
// terminal "eof" signal).
func (sh *shell) markDead() {
	sh.mu.Lock()
	sh.alive = false
	sh.mu.Unlock()

	sh.subMu.Lock()
	for ch := range sh.subs {
		delete(sh.subs, ch)
		close(ch)
	}
	sh.subMu.Unlock()
}
