package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// drainTimeout bounds how long a killed guest's streams may keep flowing.
	drainTimeout = 2 * time.Second
	// exitTimeout bounds how long the exit status may take after a kill.
	exitTimeout = 10 * time.Second
)

type waitResult struct {
	exit Exit
	err  error
}

// session drives one guest from init message to exit status.
type session struct {
	guest    Guest
	boundary *boundary
	limits   Limits
	logger   *slog.Logger
}

func (s *session) run(ctx context.Context, init initMessage) sessionResult {
	gov := newGovernor(s.guest, s.limits, s.logger)
	onOverflow := func() { gov.kill(killOutput) }
	stdout := newCapture(s.limits.MaxOutputBytes, onOverflow)
	stderr := newCapture(s.limits.MaxOutputBytes, onOverflow)

	stdin := newLineWriter(s.guest.Stdin())
	go func() {
		if err := stdin.send(init); err != nil {
			s.logger.Debug("init message not delivered", slog.String("error", err.Error()))
		}
	}()

	var (
		mu        sync.Mutex
		protoErr  error
		exitFrame *int
		exc       *guestException
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		fr := newFrameReader(s.guest.Stdout())
		for {
			f, err := fr.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					mu.Lock()
					protoErr = err
					mu.Unlock()
					gov.kill(killProtocol)
				}
				return
			}
			switch f.T {
			case frameOut:
				stdout.add(f.D)
			case frameErr:
				stderr.add(f.D)
			case frameCheck:
				v := s.boundary.check(ctx, f)
				if err := stdin.send(v); err != nil {
					s.logger.Debug("verdict not delivered", slog.String("error", err.Error()))
				}
			case frameMem:
				gov.kill(killMemory)
			case frameExc:
				mu.Lock()
				exc = &guestException{Type: f.Type, Msg: f.Msg}
				mu.Unlock()
			case frameExit:
				mu.Lock()
				if f.Code != nil {
					code := *f.Code
					exitFrame = &code
				}
				mu.Unlock()
			}
		}
	}()
	go func() {
		defer readers.Done()
		_, _ = io.Copy(stderr, s.guest.Stderr())
	}()

	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()

	exited := make(chan struct{})
	var wr waitResult
	go func() {
		defer close(exited)
		select {
		case <-readersDone:
		case <-gov.Killed():
			select {
			case <-readersDone:
			case <-time.After(drainTimeout):
				s.logger.Warn("guest streams did not drain after kill")
			}
		}
		wr.exit, wr.err = s.guest.Wait()
	}()

	gov.watch(ctx, exited)

	observed := true
	select {
	case <-exited:
	case <-time.After(exitTimeout):
		s.logger.Error("guest exit not observed after kill, releasing it")
		_ = s.guest.Close()
		observed = false
	}
	_ = s.guest.Stdin().Close()

	res := sessionResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		Killed:     gov.Reason(),
		Violations: s.boundary.Violations(),
	}
	if observed {
		res.WaitErr = wr.err
		if wr.err == nil {
			exit := wr.exit
			res.Exit = &exit
		}
	}
	mu.Lock()
	res.ProtoErr = protoErr
	res.ExitFrame = exitFrame
	res.Exception = exc
	mu.Unlock()
	return res
}
