// Package kafka runs scripts submitted as Kafka messages and publishes each
// outcome to a result topic, keyed by the request ID.
//
// Delivery is at least once: a request's offset is committed only after its
// result has been written, so a crash in between re-runs the script.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// Config describes the request and result topics.
type Config struct {
	Brokers      []string
	RequestTopic string
	ResultTopic  string
	GroupID      string
	Concurrency  int // Parallel executions. Default: 1.
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Worker consumes run requests and publishes results.
type Worker struct {
	reader      messageReader
	writer      messageWriter
	executor    sandbox.Executor
	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ gateway.Gateway = (*Worker)(nil)

// NewWorker connects a consumer group reader and a result writer.
func NewWorker(cfg Config, executor sandbox.Executor, logger *slog.Logger) (*Worker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}
	if cfg.RequestTopic == "" || cfg.ResultTopic == "" {
		return nil, fmt.Errorf("request and result topics must be provided")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "runbox-worker"
	}

	readerConfig := kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.RequestTopic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	}
	if readerConfig.MinBytes == 0 {
		readerConfig.MinBytes = 1
	}
	if readerConfig.MaxBytes == 0 {
		readerConfig.MaxBytes = 10 * 1024 * 1024
	}
	if readerConfig.MaxWait == 0 {
		readerConfig.MaxWait = time.Second
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.ResultTopic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newWorker(kafkago.NewReader(readerConfig), writer, executor, cfg.Concurrency, logger), nil
}

func newWorker(reader messageReader, writer messageWriter, executor sandbox.Executor, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		reader:      reader,
		writer:      writer,
		executor:    executor,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Start consumes until ctx is cancelled, Stop is called or the reader is
// closed. In-flight executions finish before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	defer close(w.done)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info("kafka worker starting", slog.Int("concurrency", w.concurrency))

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	var fetchErr error
	for {
		msg, err := w.reader.FetchMessage(fetchCtx)
		if err != nil {
			if fetchCtx.Err() == nil && !errors.Is(err, io.EOF) {
				fetchErr = fmt.Errorf("fetching message: %w", err)
			}
			break
		}
		g.Go(func() error {
			w.handle(ctx, msg)
			return nil
		})
	}

	_ = g.Wait()
	return fetchErr
}

// handle runs one request and publishes its result. The offset is committed
// only once the result is written.
func (w *Worker) handle(ctx context.Context, msg kafkago.Message) {
	id, req, err := decodeRequest(msg)
	env := ResultEnvelope{RequestID: id}
	if err != nil {
		w.logger.Warn("malformed run request",
			slog.String("request_id", id),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		env.Error = &ErrorInfo{Code: CodeInvalidMessage, Message: err.Error()}
	} else {
		out, err := w.executor.Execute(ctx, req)
		if err != nil {
			env.Error = errorInfo(err)
			w.logger.Info("run request rejected",
				slog.String("request_id", id),
				slog.String("code", env.Error.Code),
			)
		} else {
			env.Outcome = out
			w.logger.Info("run request completed",
				slog.String("request_id", id),
				slog.String("execution_id", out.ID),
				slog.String("status", string(out.Status)),
			)
		}
	}
	env.Timestamp = w.now().UTC()

	result, err := encodeResult(env)
	if err != nil {
		w.logger.Error("encoding result failed", slog.String("request_id", id), slog.String("error", err.Error()))
		return
	}
	// Results are written even while shutting down, so the commit can follow.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.writer.WriteMessages(writeCtx, result); err != nil {
		w.logger.Error("publishing result failed", slog.String("request_id", id), slog.String("error", err.Error()))
		return
	}
	if err := w.reader.CommitMessages(writeCtx, msg); err != nil {
		w.logger.Error("committing offset failed", slog.String("request_id", id), slog.String("error", err.Error()))
	}
}

// Stop stops fetching, waits for in-flight executions up to ctx's deadline,
// then closes the reader and writer.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			w.logger.Warn("kafka worker stop timed out with executions in flight")
		}
	}
	w.logger.Info("kafka worker stopping")
	return errors.Join(w.reader.Close(), w.writer.Close())
}
