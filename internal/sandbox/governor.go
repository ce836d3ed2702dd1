package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// killReason records why the governor terminated a guest.
type killReason int

const (
	killNone killReason = iota
	killTimeout
	killMemory
	killOutput
	killCancelled
	killProtocol
)

func (r killReason) String() string {
	switch r {
	case killTimeout:
		return "timeout"
	case killMemory:
		return "memory"
	case killOutput:
		return "output"
	case killCancelled:
		return "cancelled"
	case killProtocol:
		return "protocol"
	default:
		return "none"
	}
}

// governor enforces the wall-clock and memory ceilings on one guest.
// Termination is unconditional: the guest is never asked to stop.
type governor struct {
	guest  Guest
	limits Limits
	logger *slog.Logger

	mu     sync.Mutex
	reason killReason
	killed chan struct{}
}

func newGovernor(guest Guest, limits Limits, logger *slog.Logger) *governor {
	return &governor{
		guest:  guest,
		limits: limits,
		logger: logger,
		killed: make(chan struct{}),
	}
}

// kill terminates the guest. The first reason wins.
func (g *governor) kill(reason killReason) {
	g.mu.Lock()
	if g.reason != killNone {
		g.mu.Unlock()
		return
	}
	g.reason = reason
	close(g.killed)
	g.mu.Unlock()

	if err := g.guest.Kill(); err != nil {
		g.logger.Warn("failed to kill guest",
			slog.String("reason", reason.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	g.logger.Debug("guest killed", slog.String("reason", reason.String()))
}

// Reason returns why the guest was killed, or killNone.
func (g *governor) Reason() killReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Killed is closed once kill has been called.
func (g *governor) Killed() <-chan struct{} { return g.killed }

// watch supervises the guest until exited is closed or a limit is hit.
func (g *governor) watch(ctx context.Context, exited <-chan struct{}) {
	timer := time.NewTimer(g.limits.Timeout)
	defer timer.Stop()

	ticker := time.NewTicker(g.limits.PollInterval)
	defer ticker.Stop()
	poll := ticker.C

	for {
		select {
		case <-exited:
			return
		case <-g.killed:
			return
		case <-timer.C:
			g.kill(killTimeout)
			return
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				g.kill(killTimeout)
			} else {
				g.kill(killCancelled)
			}
			return
		case <-poll:
			rss, err := g.guest.MemoryUsage()
			if errors.Is(err, ErrMemoryUnsupported) {
				ticker.Stop()
				poll = nil
				continue
			}
			if err != nil {
				continue // exiting
			}
			if int64(rss) > g.limits.MemoryBytes {
				g.logger.Warn("guest exceeded memory ceiling",
					slog.Int64("rss_bytes", int64(rss)),
					slog.Int64("limit_bytes", g.limits.MemoryBytes),
				)
				g.kill(killMemory)
				return
			}
		}
	}
}
