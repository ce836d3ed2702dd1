package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcessConfig configures the process-based runtime.
type ProcessConfig struct {
	Interpreter string // Guest interpreter. Default: "python3".
	TempRoot    string // Parent of per-guest temp dirs. Default: os.TempDir().
	Isolation   string // IsolationNamespace (default) or IsolationNone.
}

// ProcessRuntime runs each guest as an isolated OS process.
//
// Security guarantees:
//   - Each guest starts through a re-executed runbox init that builds a jail:
//     new mount, PID, network, IPC and UTS namespaces, a read-only root holding
//     only the system and interpreter trees, a private /tmp and a writable
//     /work backed by an empty per-guest directory (removed after)
//   - Guest runs as nobody when runbox is root, with no_new_privs set and no
//     capabilities, in its own session, killed as a group and with runbox
//   - No environment inheritance from the host, only a minimal safe set
//   - Virtual memory, CPU time and core dumps limited via setrlimit
//   - Interpreter started in isolated mode without site packages
//
// IsolationNone skips the namespaces, the jail root and the identity change.
type ProcessRuntime struct {
	interpreter string
	tempRoot    string
	isolate     bool
	logger      *slog.Logger

	mu        sync.Mutex
	paths     *interpreterPaths
	jailReady bool
}

// NewProcessRuntime creates a process-based runtime.
func NewProcessRuntime(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	isolate := cfg.Isolation != IsolationNone
	if !isolate {
		logger.Warn("process runtime isolation disabled, guests see the host filesystem")
	}
	return &ProcessRuntime{
		interpreter: cfg.Interpreter,
		tempRoot:    cfg.TempRoot,
		isolate:     isolate,
		logger:      logger,
	}
}

func (r *ProcessRuntime) Name() string { return "process" }

// Available checks that the interpreter can be found and, when isolating,
// that it starts inside a jail. A successful jail check is remembered.
func (r *ProcessRuntime) Available(ctx context.Context) error {
	paths, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	if !r.isolate {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jailReady {
		return nil
	}
	if err := r.checkJail(ctx, paths); err != nil {
		return fmt.Errorf("%w: namespace isolation: %v (set sandbox.isolation to none to run unconfined)", ErrRuntimeUnavailable, err)
	}
	r.jailReady = true
	return nil
}

// resolve locates the real interpreter once.
func (r *ProcessRuntime) resolve(ctx context.Context) (interpreterPaths, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths != nil {
		return *r.paths, nil
	}
	paths, err := resolveInterpreter(ctx, r.interpreter)
	if err != nil {
		return interpreterPaths{}, fmt.Errorf("%w: interpreter %s: %v", ErrRuntimeUnavailable, r.interpreter, err)
	}
	r.paths = &paths
	return paths, nil
}

// checkJail starts the interpreter in a jail and waits for a clean exit.
func (r *ProcessRuntime) checkJail(ctx context.Context, paths interpreterPaths) error {
	dir, spec, err := r.prepare(paths, Limits{}.withDefaults(),
		[]string{paths.Executable, "-I", "-S", "-c", "import encodings"})
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/proc/self/exe")
	if err := jailCommand(cmd, spec); err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// prepare creates the guest's temp dir and describes its jail.
func (r *ProcessRuntime) prepare(paths interpreterPaths, limits Limits, argv []string) (string, jailSpec, error) {
	dir, err := os.MkdirTemp(r.tempRoot, "runbox-guest-*")
	if err != nil {
		return "", jailSpec{}, fmt.Errorf("creating guest temp dir: %w", err)
	}
	work := filepath.Join(dir, "work")
	if err := os.Mkdir(work, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", jailSpec{}, fmt.Errorf("creating guest work dir: %w", err)
	}
	uid, gid := -1, -1
	if r.isolate {
		uid, gid = guestIdentity()
	}
	if uid >= 0 {
		if err := os.Chown(work, uid, gid); err != nil {
			os.RemoveAll(dir)
			return "", jailSpec{}, fmt.Errorf("handing guest work dir to %d: %w", uid, err)
		}
	}

	spec := jailSpec{
		Isolate:     r.isolate,
		Work:        work,
		Argv:        argv,
		MemoryBytes: limits.MemoryBytes,
		// CPU time can never legitimately exceed wall time; this only backs
		// up the governor's timer.
		CPUSeconds: int64(limits.Timeout.Seconds()+0.999) + 1,
		UID:        uid,
		GID:        gid,
	}
	if r.isolate {
		spec.Root = filepath.Join(dir, "root")
		if err := os.Mkdir(spec.Root, 0o700); err != nil {
			os.RemoveAll(dir)
			return "", jailSpec{}, fmt.Errorf("creating jail root: %w", err)
		}
		spec.ReadOnly = jailReadOnly(paths)
		spec.Env = buildEnv(guestWorkDir, "/tmp")
	} else {
		spec.Env = buildEnv(work, work)
	}
	return dir, spec, nil
}

// Launch starts the interpreter inside a fresh jail. The first launch runs
// the availability check so a host that cannot build jails fails with
// ErrRuntimeUnavailable rather than a crashed guest.
func (r *ProcessRuntime) Launch(ctx context.Context, spec LaunchSpec) (Guest, error) {
	if err := r.Available(ctx); err != nil {
		return nil, err
	}
	paths, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	limits := spec.Limits.withDefaults()

	tmpDir, jail, err := r.prepare(paths, limits, guestArgs(paths.Executable))
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/proc/self/exe")
	g := &processGuest{cmd: cmd, tmpDir: tmpDir, logger: r.logger}
	if err := jailCommand(cmd, jail); err != nil {
		g.Close()
		return nil, err
	}
	if g.stdin, err = cmd.StdinPipe(); err != nil {
		g.Close()
		return nil, fmt.Errorf("guest stdin: %w", err)
	}
	if g.stdout, err = cmd.StdoutPipe(); err != nil {
		g.Close()
		return nil, fmt.Errorf("guest stdout: %w", err)
	}
	if g.stderr, err = cmd.StderrPipe(); err != nil {
		g.Close()
		return nil, fmt.Errorf("guest stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: starting %s: %v", ErrRuntimeUnavailable, paths.Executable, err)
	}

	r.logger.Debug("guest process started",
		slog.String("execution_id", spec.ID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", tmpDir),
		slog.Bool("isolated", jail.Isolate),
		slog.Int64("memory_limit_bytes", jail.MemoryBytes),
		slog.Int64("cpu_limit_sec", jail.CPUSeconds),
	)
	return g, nil
}

// buildEnv constructs a minimal, safe environment.
// The host environment is never inherited, so API keys and credentials
// cannot leak into the guest. PYTHONPATH is empty and PYTHONHOME and
// PYTHONSTARTUP are never set.
func buildEnv(home, tmp string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + tmp,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"PYTHONPATH=",
		"PYTHONIOENCODING=utf-8",
	}
}

type processGuest struct {
	cmd    *exec.Cmd
	tmpDir string
	logger *slog.Logger

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	closeOnce sync.Once
}

func (g *processGuest) Stdin() io.WriteCloser { return g.stdin }
func (g *processGuest) Stdout() io.Reader     { return g.stdout }
func (g *processGuest) Stderr() io.Reader     { return g.stderr }

// Wait reports how the process ended. A non-zero exit is not an error.
func (g *processGuest) Wait() (Exit, error) {
	err := g.cmd.Wait()
	state := g.cmd.ProcessState
	if state == nil {
		return Exit{}, fmt.Errorf("waiting for guest: %w", err)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Exit{}, fmt.Errorf("waiting for guest: %w", err)
		}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{Code: -1, Signaled: true, Signal: unix.SignalName(ws.Signal())}, nil
	}
	return Exit{Code: state.ExitCode()}, nil
}

// Kill sends SIGKILL to the guest's process group. Inside a PID namespace
// the guest is its init, so everything it spawned dies with it.
func (g *processGuest) Kill() error {
	if g.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-g.cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// MemoryUsage reads the resident set size from procfs.
func (g *processGuest) MemoryUsage() (uint64, error) {
	if g.cmd.Process == nil {
		return 0, errors.New("guest not started")
	}
	proc, err := procfs.NewProc(g.cmd.Process.Pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}

func (g *processGuest) Close() error {
	g.closeOnce.Do(func() {
		if g.cmd.Process != nil && g.cmd.ProcessState == nil {
			_ = g.Kill()
		}
		if err := os.RemoveAll(g.tmpDir); err != nil {
			g.logger.Warn("failed to remove guest temp dir",
				slog.String("dir", g.tmpDir),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}
