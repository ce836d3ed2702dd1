// Package policy defines the capability policy that guards guest code:
// which modules a script may import and which operations it may never invoke.
//
// Deny-first evaluation: an operation on the deny list is always refused.
// Module imports are default-deny: only exact allow-list matches pass.
// A Policy is immutable after construction and safe for concurrent use
// without locking.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/runbox/internal/config"
)

// ErrDenied is wrapped by every CapabilityError.
var ErrDenied = errors.New("capability denied")

// Kind classifies a capability check.
type Kind string

const (
	KindModule    Kind = "module"    // Import of a top-level module.
	KindOperation Kind = "operation" // File open, dynamic code, shell or process creation.
)

// Canonical operation names reported by the guest runtime.
const (
	OpOpen    = "open"
	OpExec    = "exec"
	OpEval    = "eval"
	OpCompile = "compile"
	OpSystem  = "system"
	OpPopen   = "popen"
	OpSpawn   = "spawn"
	OpFork    = "fork"
)

// DefaultAllowedModules covers math, pseudo-random generation, date and time
// values, JSON encode/decode, collection, functional and iteration helpers.
var DefaultAllowedModules = []string{
	"math", "random", "datetime", "json", "collections", "itertools", "functools", "time",
}

// DefaultDeniedOperations covers file opens, dynamic code compilation and
// evaluation, shell commands and process creation.
var DefaultDeniedOperations = []string{
	OpOpen, OpExec, OpEval, OpCompile, OpSystem, OpPopen, OpSpawn, OpFork,
}

// Request is a single capability check raised by the isolation boundary.
type Request struct {
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Event string `json:"event,omitempty"` // Raw interpreter audit event, when known.
}

// Checker is the capability-check hook invoked at every import resolution
// and operation dispatch point. It returns nil to allow the request and a
// *CapabilityError to deny it.
type Checker interface {
	Check(ctx context.Context, req Request) error
}

// CapabilityError reports a denied import or operation.
type CapabilityError struct {
	Kind Kind
	Name string
}

func (e *CapabilityError) Error() string {
	if e.Kind == KindModule {
		return fmt.Sprintf("import of module '%s' is not allowed", e.Name)
	}
	return fmt.Sprintf("operation '%s' is not allowed", e.Name)
}

// Exception returns the text surfaced in an execution outcome.
func (e *CapabilityError) Exception() string {
	return "CapabilityError: " + e.Error()
}

func (e *CapabilityError) Unwrap() error { return ErrDenied }

// Policy is the immutable allow/deny list pair.
type Policy struct {
	allowed map[string]struct{}
	denied  map[string]struct{}
}

// Snapshot is the serializable view of a Policy.
type Snapshot struct {
	AllowedModules   []string `json:"allowed_modules"`
	DeniedOperations []string `json:"denied_operations"`
}

// New builds a policy from explicit lists. Module names must be plain
// top-level identifiers; operation names are case-insensitive.
func New(allowedModules, deniedOperations []string) (*Policy, error) {
	p := &Policy{
		allowed: make(map[string]struct{}, len(allowedModules)),
		denied:  make(map[string]struct{}, len(deniedOperations)),
	}
	for _, m := range allowedModules {
		m = strings.TrimSpace(m)
		if !isIdentifier(m) {
			return nil, fmt.Errorf("invalid module name %q: must be a top-level identifier", m)
		}
		p.allowed[m] = struct{}{}
	}
	for _, op := range deniedOperations {
		op = strings.ToLower(strings.TrimSpace(op))
		if op == "" {
			return nil, fmt.Errorf("empty operation name in deny list")
		}
		p.denied[op] = struct{}{}
	}
	return p, nil
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := New(DefaultAllowedModules, DefaultDeniedOperations)
	if err != nil {
		panic(err) // unreachable: defaults are valid
	}
	return p
}

// FromConfig builds the policy from configuration. Empty lists fall back to
// the defaults.
func FromConfig(cfg *config.PolicyConfig) (*Policy, error) {
	if cfg == nil {
		return Default(), nil
	}
	allowed := cfg.AllowedModules
	if len(allowed) == 0 {
		allowed = DefaultAllowedModules
	}
	denied := cfg.DeniedOperations
	if len(denied) == 0 {
		denied = DefaultDeniedOperations
	}
	return New(allowed, denied)
}

// IsModuleAllowed reports whether name is on the allow list. The match is
// exact: "os.path" is not allowed by an entry for "os", and no entry allows
// the modules an allowed module uses internally.
func (p *Policy) IsModuleAllowed(name string) bool {
	_, ok := p.allowed[name]
	return ok
}

// IsOperationDenied reports whether the canonical operation name is denied.
func (p *Policy) IsOperationDenied(name string) bool {
	_, ok := p.denied[strings.ToLower(name)]
	return ok
}

// Check implements Checker.
func (p *Policy) Check(_ context.Context, req Request) error {
	switch req.Kind {
	case KindModule:
		if p.IsModuleAllowed(req.Name) {
			return nil
		}
	case KindOperation:
		if !p.IsOperationDenied(req.Name) {
			return nil
		}
	}
	// Unknown kinds are denied.
	return &CapabilityError{Kind: req.Kind, Name: req.Name}
}

// AllowedModules returns the allow list in sorted order.
func (p *Policy) AllowedModules() []string { return sortedKeys(p.allowed) }

// DeniedOperations returns the deny list in sorted order.
func (p *Policy) DeniedOperations() []string { return sortedKeys(p.denied) }

// Snapshot returns a copy of both lists.
func (p *Policy) Snapshot() Snapshot {
	return Snapshot{AllowedModules: p.AllowedModules(), DeniedOperations: p.DeniedOperations()}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
