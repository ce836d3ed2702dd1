package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestOpenEmptyUsesHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	ws, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".runbox", "workspace"); ws.Root != want {
		t.Errorf("Root = %q, want %q", ws.Root, want)
	}
}

func TestTildeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	ws, err := New("~/ws")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "ws"); ws.Root != want {
		t.Errorf("Root = %q, want %q", ws.Root, want)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
		perm os.FileMode
	}{
		{"ScriptsDir", ws.ScriptsDir, "scripts", 0750},
		{"SandboxDir", ws.SandboxDir, "sandbox", 0700},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			if expected := filepath.Join(ws.Root, tc.want); got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			info, err := os.Stat(got)
			if err != nil {
				t.Fatalf("directory not created: %v", err)
			}
			if perm := info.Mode().Perm(); perm&^tc.perm != 0 {
				t.Errorf("permissions = %o, want at most %o", perm, tc.perm)
			}
		})
	}
}

func TestEnsureAll(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll: %v", err)
	}
	for _, d := range []string{"scripts", "sandbox"} {
		if _, err := os.Stat(filepath.Join(ws.Root, d)); err != nil {
			t.Errorf("%s not created: %v", d, err)
		}
	}
}

func TestCleanSandbox(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}

	sandbox := ws.SandboxDir()
	leftover := filepath.Join(sandbox, "runbox-guest-123")
	if err := os.MkdirAll(leftover, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(leftover, "out.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox: %v", err)
	}
	entries, err := os.ReadDir(sandbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("sandbox has %d entries after clean", len(entries))
	}
}
