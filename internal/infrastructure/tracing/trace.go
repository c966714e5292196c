package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"go.uber.org/zap"
)

// Span represents one bus transaction or request
type Span struct {
	TxnID     id.TxnID
	SpanID    id.SpanID
	ParentID  id.SpanID
	Name      string
	Service   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Tags      map[string]string
	Error     error
	Status    string
}

// Tracer collects finished spans and logs them
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	dropped int
}

const spanBuffer = 1000

// New creates a tracer and starts its collector
func New(service string, logger *zap.Logger) *Tracer {
	t := newTracer(service, logger, spanBuffer)
	t.wg.Add(1)
	go t.collectSpans()
	return t
}

func newTracer(service string, logger *zap.Logger, buffer int) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{
		service: service,
		logger:  logger,
		spans:   make(chan *Span, buffer),
		done:    make(chan struct{}),
	}
}

// StartSpan opens a span. A span already carried by ctx becomes the parent
// and its transaction id is inherited.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	txnID := GetTxnID(ctx)
	if txnID == "" {
		txnID = id.NewTxnID()
	}
	parentID := GetSpanID(ctx)

	span := &Span{
		TxnID:     txnID,
		SpanID:    id.NewSpanID(),
		ParentID:  parentID,
		Name:      name,
		Service:   t.service,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}

	return span, withSpanID(WithTxnID(ctx, txnID), span.SpanID)
}

// Finish marks the span as complete
func (s *Span) Finish() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetTag adds a tag to the span
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error in the span
func (s *Span) SetError(err error) {
	s.Error = err
}

// SetStatus records the outcome of the span
func (s *Span) SetStatus(status string) {
	s.Status = status
}

func (t *Tracer) collectSpans() {
	defer t.wg.Done()
	for {
		select {
		case span := <-t.spans:
			t.processSpan(span)
		case <-t.done:
			for {
				select {
				case span := <-t.spans:
					t.processSpan(span)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracer) processSpan(span *Span) {
	fields := []zap.Field{
		zap.String("txn_id", span.TxnID.String()),
		zap.String("span_id", span.SpanID.String()),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.String("service", span.Service),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", span.ParentID.String()))
	}
	if span.Status != "" {
		fields = append(fields, zap.String("status", span.Status))
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String(k, v))
	}

	if span.Error != nil {
		fields = append(fields, zap.Error(span.Error))
		t.logger.Warn("span completed with error", fields...)
	} else {
		t.logger.Debug("span completed", fields...)
	}
}

// Submit hands a finished span to the collector. Spans are dropped when
// the buffer is full or the tracer is closed.
func (t *Tracer) Submit(span *Span) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.spans <- span:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		t.logger.Warn("span buffer full, dropping span",
			zap.String("txn_id", span.TxnID.String()),
			zap.String("span_id", span.SpanID.String()),
		)
	}
}

// Dropped returns how many spans were discarded
func (t *Tracer) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close flushes pending spans and stops the collector
func (t *Tracer) Close() {
	t.once.Do(func() {
		close(t.done)
		t.wg.Wait()
	})
}

type contextKey string

const (
	txnIDKey  contextKey = "txn_id"
	spanIDKey contextKey = "span_id"
)

// WithTxnID attaches an externally supplied transaction id to ctx
func WithTxnID(ctx context.Context, txn id.TxnID) context.Context {
	return context.WithValue(ctx, txnIDKey, txn)
}

func withSpanID(ctx context.Context, span id.SpanID) context.Context {
	return context.WithValue(ctx, spanIDKey, span)
}

// GetTxnID retrieves the transaction id from context
func GetTxnID(ctx context.Context) id.TxnID {
	if txn, ok := ctx.Value(txnIDKey).(id.TxnID); ok {
		return txn
	}
	return ""
}

// GetSpanID retrieves the span id from context
func GetSpanID(ctx context.Context) id.SpanID {
	if span, ok := ctx.Value(spanIDKey).(id.SpanID); ok {
		return span
	}
	return ""
}

// FormatTrace returns a formatted trace string for logging
func FormatTrace(txn id.TxnID, span id.SpanID) string {
	return fmt.Sprintf("[txn:%s span:%s]", txn, span)
}
