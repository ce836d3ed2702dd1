package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLoader(t *testing.T, maxBytes int64) (*Loader, string) {
	t.Helper()
	root := t.TempDir()
	return NewLoader(NewLocalStore([]string{root}), maxBytes, nil), root
}

func TestLoad_Inline(t *testing.T) {
	l, _ := newTestLoader(t, 0)
	src, err := l.Load(context.Background(), Request{Script: `print("ok")`})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.Text != `print("ok")` || src.Origin != OriginInline {
		t.Errorf("source = %+v", src)
	}
	if len(src.SHA256) != 64 {
		t.Errorf("sha256 = %q", src.SHA256)
	}
}

func TestLoad_InlineEmpty(t *testing.T) {
	l, _ := newTestLoader(t, 0)
	src, err := l.Load(context.Background(), Request{Script: ""})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.Size != 0 {
		t.Errorf("size = %d, want 0", src.Size)
	}
}

func TestLoad_InlineTooLarge(t *testing.T) {
	l, _ := newTestLoader(t, 0)
	script := strings.Repeat("x", DefaultMaxBytes+1)
	_, err := l.Load(context.Background(), Request{Script: script})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	var srcErr *Error
	if !errors.As(err, &srcErr) || srcErr.Size != DefaultMaxBytes+1 {
		t.Errorf("err = %#v", err)
	}
}

func TestLoad_InlineAtLimit(t *testing.T) {
	l, _ := newTestLoader(t, 16)
	if _, err := l.Load(context.Background(), Request{Script: strings.Repeat("#", 16)}); err != nil {
		t.Fatalf("source at the limit rejected: %v", err)
	}
}

func TestLoad_InlineInvalid(t *testing.T) {
	l, _ := newTestLoader(t, 0)
	for _, script := range []string{"\xff\xfe", "print(1)\x00"} {
		if _, err := l.Load(context.Background(), Request{Script: script}); !errors.Is(err, ErrInvalid) {
			t.Errorf("Load(%q) err = %v, want ErrInvalid", script, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	l, root := newTestLoader(t, 0)
	path := filepath.Join(root, "hello.py")
	if err := os.WriteFile(path, []byte("print('hi')\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{path, "hello.py"} {
		src, err := l.Load(context.Background(), Request{Script: name, IsFile: true})
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if src.Origin != OriginFile || src.Text != "print('hi')\n" {
			t.Errorf("source = %+v", src)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	l, root := newTestLoader(t, 0)
	_, err := l.Load(context.Background(), Request{Script: filepath.Join(root, "missing.py"), IsFile: true})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoad_FileDirectory(t *testing.T) {
	l, root := newTestLoader(t, 0)
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o700); err != nil {
		t.Fatal(err)
	}
	_, err := l.Load(context.Background(), Request{Script: "dir", IsFile: true})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	l, root := newTestLoader(t, 8)
	path := filepath.Join(root, "big.py")
	if err := os.WriteFile(path, []byte("print('too big')"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := l.Load(context.Background(), Request{Script: path, IsFile: true})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestLoad_FileOutsideRoots(t *testing.T) {
	l, _ := newTestLoader(t, 0)
	outside := filepath.Join(t.TempDir(), "secret.py")
	if err := os.WriteFile(outside, []byte("x = 1"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		script string
	}{
		{"absolute", outside},
		{"traversal", "../" + filepath.Base(filepath.Dir(outside)) + "/secret.py"},
		{"missing outside", "/nonexistent/secret.py"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(context.Background(), Request{Script: tt.script, IsFile: true})
			if !errors.Is(err, ErrForbidden) {
				t.Fatalf("err = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestLoad_FileSymlinkEscape(t *testing.T) {
	l, root := newTestLoader(t, 0)
	outside := filepath.Join(t.TempDir(), "secret.py")
	if err := os.WriteFile(outside, []byte("x = 1"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.py")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	_, err := l.Load(context.Background(), Request{Script: link, IsFile: true})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestLoad_NoStore(t *testing.T) {
	l := NewLoader(nil, 0, nil)
	_, err := l.Load(context.Background(), Request{Script: "a.py", IsFile: true})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}
