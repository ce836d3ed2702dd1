package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
)

// fakeGuest is an in-memory Guest driven by a script function that plays
// the guest side of the control protocol.
type fakeGuest struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	in      *bufio.Reader

	exit     Exit
	rss      atomic.Uint64
	memErr   error
	done     chan struct{}
	killed   chan struct{}
	killOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func newFakeGuest(script func(g *fakeGuest)) *fakeGuest {
	g := &fakeGuest{
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	g.stdinR, g.stdinW = io.Pipe()
	g.stdoutR, g.stdoutW = io.Pipe()
	g.stderrR, g.stderrW = io.Pipe()
	g.in = bufio.NewReader(g.stdinR)
	go func() {
		defer close(g.done)
		script(g)
		g.stdoutW.Close()
		g.stderrW.Close()
	}()
	return g
}

func (g *fakeGuest) Stdin() io.WriteCloser { return g.stdinW }
func (g *fakeGuest) Stdout() io.Reader     { return g.stdoutR }
func (g *fakeGuest) Stderr() io.Reader     { return g.stderrR }

func (g *fakeGuest) Wait() (Exit, error) {
	<-g.done
	select {
	case <-g.killed:
		return Exit{Code: -1, Signaled: true, Signal: "SIGKILL"}, nil
	default:
		return g.exit, nil
	}
}

func (g *fakeGuest) Kill() error {
	g.killOnce.Do(func() {
		close(g.killed)
		g.stdoutW.Close()
		g.stderrW.Close()
		g.stdinR.Close()
	})
	return nil
}

func (g *fakeGuest) MemoryUsage() (uint64, error) {
	if g.memErr != nil {
		return 0, g.memErr
	}
	return g.rss.Load(), nil
}

func (g *fakeGuest) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return g.Kill()
}

func (g *fakeGuest) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// readInit consumes the init message.
func (g *fakeGuest) readInit() initMessage {
	var m initMessage
	line, err := g.in.ReadBytes('\n')
	if err != nil {
		return m
	}
	_ = json.Unmarshal(line, &m)
	return m
}

func (g *fakeGuest) send(v any) {
	data, _ := json.Marshal(v)
	_, _ = g.stdoutW.Write(append(data, '\n'))
}

func (g *fakeGuest) out(s string) { g.send(frame{T: frameOut, D: s}) }

func (g *fakeGuest) exitWith(code int) {
	g.exit = Exit{Code: code}
	g.send(frame{T: frameExit, Code: &code})
}

// ask sends a check frame and waits for its verdict.
func (g *fakeGuest) ask(id int64, kind, name string) (verdict, error) {
	g.send(frame{T: frameCheck, ID: id, Kind: kind, Name: name, Event: name})
	line, err := g.in.ReadBytes('\n')
	if err != nil {
		return verdict{}, err
	}
	var v verdict
	if err := json.Unmarshal(line, &v); err != nil {
		return verdict{}, err
	}
	return v, nil
}

// hang blocks until the guest is killed.
func (g *fakeGuest) hang() { <-g.killed }

type fakeRuntime struct {
	mu        sync.Mutex
	script    func(g *fakeGuest)
	setup     func(g *fakeGuest)
	launchErr error
	launched  []*fakeGuest
	specs     []LaunchSpec
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Available(context.Context) error {
	if r.launchErr != nil {
		return r.launchErr
	}
	return nil
}

func (r *fakeRuntime) Launch(_ context.Context, spec LaunchSpec) (Guest, error) {
	if r.launchErr != nil {
		return nil, r.launchErr
	}
	g := newFakeGuest(r.script)
	if r.setup != nil {
		r.setup(g)
	}
	r.mu.Lock()
	r.launched = append(r.launched, g)
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	return g, nil
}

func (r *fakeRuntime) launches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launched)
}
