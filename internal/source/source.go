// Package source resolves the script body of an execution request, either
// from inline text or from a file store, and enforces the source ceiling
// before any guest code runs.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"
)

// Sentinel errors matched with errors.Is against a *Error.
var (
	ErrNotFound  = errors.New("script not found")
	ErrTooLarge  = errors.New("script exceeds the size limit")
	ErrForbidden = errors.New("script path is outside the allowed directories")
	ErrInvalid   = errors.New("script is not valid source text")
)

// DefaultMaxBytes is the source ceiling when none is configured.
const DefaultMaxBytes = 1 << 20

// Reason classifies a source rejection.
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonTooLarge  Reason = "too_large"
	ReasonForbidden Reason = "forbidden"
	ReasonInvalid   Reason = "invalid"
)

// Error rejects a request before execution. It never becomes an outcome.
type Error struct {
	Reason Reason
	Path   string // Empty for inline scripts.
	Size   int64  // Observed size, when known.
	Limit  int64
	Err    error // Underlying cause, when any.
}

func (e *Error) Error() string {
	subject := "inline script"
	if e.Path != "" {
		subject = fmt.Sprintf("script %q", e.Path)
	}
	switch e.Reason {
	case ReasonNotFound:
		return subject + " not found"
	case ReasonTooLarge:
		return fmt.Sprintf("%s is %d bytes, exceeding the %d byte limit", subject, e.Size, e.Limit)
	case ReasonForbidden:
		return subject + " is outside the allowed directories"
	case ReasonInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s is invalid: %v", subject, e.Err)
		}
		return subject + " is invalid"
	default:
		return subject + " rejected"
	}
}

// Is matches the sentinel for the error's reason.
func (e *Error) Is(target error) bool {
	switch e.Reason {
	case ReasonNotFound:
		return target == ErrNotFound
	case ReasonTooLarge:
		return target == ErrTooLarge
	case ReasonForbidden:
		return target == ErrForbidden
	case ReasonInvalid:
		return target == ErrInvalid
	}
	return false
}

func (e *Error) Unwrap() error { return e.Err }

// Request selects how Script is interpreted.
type Request struct {
	Script string `json:"script"`
	IsFile bool   `json:"is_file,omitempty"`
}

// Origin records which resolution path produced a Source.
type Origin string

const (
	OriginInline Origin = "inline"
	OriginFile   Origin = "file"
)

// Source is validated script text ready for execution.
type Source struct {
	Text   string
	Origin Origin
	Path   string // Resolved path for file scripts.
	Size   int64
	SHA256 string
}

// Store is the file-storage collaborator used when a request names a file.
// Open returns the content and its size as known before reading.
type Store interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, string, error)
}

// Loader resolves requests into Sources.
type Loader struct {
	store    Store
	maxBytes int64
	logger   *slog.Logger
}

// NewLoader creates a loader. store may be nil, in which case file requests
// are rejected as forbidden.
func NewLoader(store Store, maxBytes int64, logger *slog.Logger) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the configured source ceiling.
func (l *Loader) MaxBytes() int64 { return l.maxBytes }

// Load resolves req. Exactly one resolution path is taken, chosen by IsFile.
// Oversized content is rejected without reading the whole body.
func (l *Loader) Load(ctx context.Context, req Request) (*Source, error) {
	if !req.IsFile {
		return l.inline(req.Script)
	}
	return l.file(ctx, req.Script)
}

func (l *Loader) inline(text string) (*Source, error) {
	size := int64(len(text))
	if size > l.maxBytes {
		return nil, &Error{Reason: ReasonTooLarge, Size: size, Limit: l.maxBytes}
	}
	if err := validate([]byte(text)); err != nil {
		return nil, &Error{Reason: ReasonInvalid, Err: err}
	}
	return newSource(text, OriginInline, ""), nil
}

func (l *Loader) file(ctx context.Context, name string) (*Source, error) {
	if l.store == nil {
		return nil, &Error{Reason: ReasonForbidden, Path: name}
	}
	rc, size, resolved, err := l.store.Open(ctx, name)
	if err != nil {
		var srcErr *Error
		if errors.As(err, &srcErr) {
			return nil, srcErr
		}
		return nil, fmt.Errorf("opening script %q: %w", name, err)
	}
	defer rc.Close()

	if size > l.maxBytes {
		return nil, &Error{Reason: ReasonTooLarge, Path: name, Size: size, Limit: l.maxBytes}
	}

	// The file may have grown since it was stat'ed.
	data, err := io.ReadAll(io.LimitReader(rc, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading script %q: %w", name, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, &Error{Reason: ReasonTooLarge, Path: name, Size: int64(len(data)), Limit: l.maxBytes}
	}
	if err := validate(data); err != nil {
		return nil, &Error{Reason: ReasonInvalid, Path: name, Err: err}
	}

	l.logger.Debug("script loaded",
		slog.String("path", resolved),
		slog.Int("bytes", len(data)),
	)
	return newSource(string(data), OriginFile, resolved), nil
}

func validate(data []byte) error {
	if !utf8.Valid(data) {
		return errors.New("not valid UTF-8")
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return errors.New("contains NUL bytes")
	}
	return nil
}

func newSource(text string, origin Origin, path string) *Source {
	sum := sha256.Sum256([]byte(text))
	return &Source{
		Text:   text,
		Origin: origin,
		Path:   path,
		Size:   int64(len(text)),
		SHA256: hex.EncodeToString(sum[:]),
	}
}
