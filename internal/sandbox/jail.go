package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Isolation modes of the process runtime.
const (
	IsolationNamespace = "namespace"
	IsolationNone      = "none"
)

// jailInitName is argv[0] of a runbox process re-executed to build a guest
// jail. Such a process never reaches the command tree.
const jailInitName = "runbox-jail-init"

// jailExitFailure is the exit status of a jail init that failed to set up.
const jailExitFailure = 125

// guestWorkDir is the guest's writable directory inside the jail.
const guestWorkDir = "/work"

// nobodyID is the identity guests run as when runbox itself is root.
const nobodyID = 65534

// hostReadOnly are host trees every jail sees read-only. Missing entries are
// skipped and top-level symlinks (merged /usr layouts) are recreated as links.
var hostReadOnly = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32",
	"/etc/ld.so.cache",
}

// jailDevices are bound into the jail's /dev.
var jailDevices = []string{"null", "zero", "random", "urandom"}

// jailSpec tells the init process how to build the jail. It travels as
// JSON in argv[1].
type jailSpec struct {
	Isolate     bool     `json:"isolate"`
	Root        string   `json:"root,omitempty"` // Empty host dir the jail root is mounted on.
	Work        string   `json:"work"`           // Host dir bound writable at /work.
	ReadOnly    []string `json:"read_only,omitempty"`
	Argv        []string `json:"argv"`
	Env         []string `json:"env"`
	MemoryBytes int64    `json:"memory_bytes"`
	CPUSeconds  int64    `json:"cpu_seconds"`
	UID         int      `json:"uid"` // -1 keeps the current identity.
	GID         int      `json:"gid"`
}

// InitJail turns the current process into a guest jail and execs the guest
// interpreter inside it when the process was started as a jail init. In any
// other process it returns immediately. Call it first in main and in the
// TestMain of packages that launch process guests.
func InitJail() {
	if len(os.Args) < 2 || os.Args[0] != jailInitName {
		return
	}
	// Mount namespace tweaks and no_new_privs must apply to the thread that
	// calls execve.
	runtime.LockOSThread()

	var spec jailSpec
	if err := json.Unmarshal([]byte(os.Args[1]), &spec); err != nil {
		jailFail(fmt.Errorf("decoding jail spec: %w", err))
	}
	if len(spec.Argv) == 0 {
		jailFail(errors.New("empty guest command"))
	}
	if err := spec.enter(); err != nil {
		jailFail(err)
	}
	err := unix.Exec(spec.Argv[0], spec.Argv, spec.Env)
	jailFail(fmt.Errorf("exec %s: %w", spec.Argv[0], err))
}

func jailFail(err error) {
	fmt.Fprintf(os.Stderr, "runbox jail: %v\n", err)
	os.Exit(jailExitFailure)
}

// enter builds the jail, drops privileges and applies resource limits.
func (s *jailSpec) enter() error {
	if s.Isolate {
		if err := s.pivot(); err != nil {
			return err
		}
		_ = unix.Sethostname([]byte("runbox"))
	}

	if s.UID >= 0 {
		if err := unix.Setgroups(nil); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setgid(s.GID); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
		if err := unix.Setuid(s.UID); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}
	// Credential changes reset the parent death signal.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("setting parent death signal: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("setting no_new_privs: %w", err)
	}

	// Limits go last: the address space cap would also bind this process.
	for _, l := range []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_AS, uint64(s.MemoryBytes)},
		{unix.RLIMIT_CPU, uint64(s.CPUSeconds)},
		{unix.RLIMIT_CORE, 0},
	} {
		if l.value == 0 && l.resource != unix.RLIMIT_CORE {
			continue
		}
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("setrlimit %d: %w", l.resource, err)
		}
	}
	return nil
}

// pivot assembles a fresh tmpfs root holding read-only host trees, the
// writable work dir, a private /tmp and a minimal /dev, then makes it the
// process root and seals it read-only.
func (s *jailSpec) pivot() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	if err := unix.Mount("tmpfs", s.Root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=1m,mode=0755"); err != nil {
		return fmt.Errorf("mounting jail root: %w", err)
	}

	for _, p := range s.ReadOnly {
		if err := bindHostPath(s.Root, p); err != nil {
			return err
		}
	}

	work := filepath.Join(s.Root, guestWorkDir)
	if err := os.Mkdir(work, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", guestWorkDir, err)
	}
	if err := bindMount(s.Work, work, false); err != nil {
		return err
	}

	tmp := filepath.Join(s.Root, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("creating /tmp: %w", err)
	}
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=16m,mode=1777"); err != nil {
		return fmt.Errorf("mounting /tmp: %w", err)
	}

	dev := filepath.Join(s.Root, "dev")
	if err := os.Mkdir(dev, 0o755); err != nil {
		return fmt.Errorf("creating /dev: %w", err)
	}
	for _, name := range jailDevices {
		target := filepath.Join(dev, name)
		if err := touch(target); err != nil {
			return err
		}
		if err := unix.Mount("/dev/"+name, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("binding /dev/%s: %w", name, err)
		}
	}

	if err := unix.Chdir(s.Root); err != nil {
		return fmt.Errorf("entering jail root: %w", err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching host root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("sealing jail root: %w", err)
	}
	return unix.Chdir(guestWorkDir)
}

// bindHostPath exposes the host path p at the same location under root.
func bindHostPath(root, p string) error {
	fi, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	dst := filepath.Join(root, p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", p, err)
	}

	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case fi.IsDir():
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", p, err)
		}
	default:
		if err := touch(dst); err != nil {
			return err
		}
	}
	return bindMount(p, dst, true)
}

// bindMount binds src onto dst, then remounts it nosuid and nodev, and
// read-only when asked. Flags the source mount already carries are kept
// because a user namespace may not clear them.
func bindMount(src, dst string, readOnly bool) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding %s: %w", src, err)
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_NOSUID | unix.MS_NODEV)
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dst, &st); err == nil {
		flags |= lockedMountFlags(st.Flags)
	}
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("remounting %s: %w", src, err)
	}
	return nil
}

// lockedMountFlags translates statfs flags into the mount flags a remount
// must repeat.
func lockedMountFlags(st int64) uintptr {
	var flags uintptr
	for stFlag, msFlag := range map[int64]uintptr{
		unix.ST_RDONLY:     unix.MS_RDONLY,
		unix.ST_NOEXEC:     unix.MS_NOEXEC,
		unix.ST_NOATIME:    unix.MS_NOATIME,
		unix.ST_NODIRATIME: unix.MS_NODIRATIME,
		unix.ST_RELATIME:   unix.MS_RELATIME,
	} {
		if st&stFlag != 0 {
			flags |= msFlag
		}
	}
	return flags
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return f.Close()
}

// jailCommand prepares cmd to start the jail init described by spec.
func jailCommand(cmd *exec.Cmd, spec jailSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding jail spec: %w", err)
	}
	cmd.Path = "/proc/self/exe"
	cmd.Args = []string{jailInitName, string(raw)}
	cmd.Env = spec.Env
	cmd.Dir = spec.Work
	cmd.SysProcAttr = jailProcAttr(spec.Isolate)
	return nil
}

// jailProcAttr starts the init in its own session, killed with runbox, and
// when isolating in fresh mount, PID, network, IPC and UTS namespaces. An
// unprivileged runbox adds a user namespace mapping only its own IDs and
// carries CAP_SYS_ADMIN into the init for the mounts.
func jailProcAttr(isolate bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true, Pdeathsig: syscall.SIGKILL}
	if !isolate {
		return attr
	}
	attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWNET |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	if uid := os.Geteuid(); uid != 0 {
		gid := os.Getegid()
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		attr.GidMappingsEnableSetgroups = false
		attr.AmbientCaps = []uintptr{unix.CAP_SYS_ADMIN}
	}
	return attr
}

// guestIdentity returns the uid and gid the guest runs as: nobody when
// runbox is root, unchanged otherwise.
func guestIdentity() (int, int) {
	if os.Geteuid() == 0 {
		return nobodyID, nobodyID
	}
	return -1, -1
}

// interpreterPaths describes where the guest interpreter lives on the host.
type interpreterPaths struct {
	Executable string   // Real path of the interpreter binary.
	Trees      []string // Directories it loads its stdlib and libraries from.
}

const interpreterQuery = "import sys; print(sys.executable); print(sys.base_prefix); print(sys.base_exec_prefix)"

// resolveInterpreter asks the interpreter where it is installed, following
// launcher shims to the real binary.
func resolveInterpreter(ctx context.Context, name string) (interpreterPaths, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return interpreterPaths{}, err
	}
	out, err := exec.CommandContext(ctx, path, "-I", "-S", "-c", interpreterQuery).Output()
	if err != nil {
		return interpreterPaths{}, fmt.Errorf("querying %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 || lines[0] == "" {
		return interpreterPaths{}, fmt.Errorf("querying %s: unexpected output %q", path, out)
	}

	exe, err := filepath.EvalSymlinks(lines[0])
	if err != nil {
		return interpreterPaths{}, fmt.Errorf("resolving %s: %w", lines[0], err)
	}
	info := interpreterPaths{Executable: exe}
	for _, dir := range []string{lines[1], lines[2], filepath.Dir(exe)} {
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			continue
		}
		info.Trees = append(info.Trees, resolved)
	}
	return info, nil
}

// jailReadOnly lists the host paths bound read-only into a jail for the
// given interpreter, dropping trees already covered by another entry.
func jailReadOnly(interp interpreterPaths) []string {
	paths := append([]string(nil), hostReadOnly...)
	for _, tree := range interp.Trees {
		if !coveredBy(tree, paths) {
			paths = append(paths, tree)
		}
	}
	return paths
}

// coveredBy reports whether p is one of dirs or below a real directory
// among them. Symlinked entries cover nothing since they are recreated as
// links.
func coveredBy(p string, dirs []string) bool {
	for _, d := range dirs {
		if p == d {
			return true
		}
		if !strings.HasPrefix(p, d+string(filepath.Separator)) {
			continue
		}
		if fi, err := os.Lstat(d); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}
