package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/chatline/internal/metrics"
	"github.com/eldtechnologies/chatline/internal/models"
)

// Instrumented records per-operation latency for the wrapped store.
type Instrumented struct {
	MessageStore
}

// NewInstrumented wraps s with latency metrics.
func NewInstrumented(s MessageStore) *Instrumented {
	return &Instrumented{MessageStore: s}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	defer observe("append", time.Now())
	return s.MessageStore.Append(ctx, from, to, content)
}

func (s *Instrumented) History(ctx context.Context, a, b string) ([]models.Message, error) {
	defer observe("history", time.Now())
	return s.MessageStore.History(ctx, a, b)
}

func (s *Instrumented) MarkRead(ctx context.Context, from, to string) (int64, error) {
	defer observe("mark_read", time.Now())
	return s.MessageStore.MarkRead(ctx, from, to)
}
