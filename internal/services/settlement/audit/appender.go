package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// DefaultAppenderBuffer is the queue depth used when none is configured.
const DefaultAppenderBuffer = 256

// Appender is an asynchronous front for Chain. Records are appended by one
// goroutine in the order they were queued.
type Appender struct {
	chain *Chain
	queue chan appendRequest
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

type appendRequest struct {
	ctx       context.Context
	eventType string
	payload   []byte
	flushed   chan struct{}
}

// NewAppender starts the append goroutine. Close must be called to drain it.
func NewAppender(chain *Chain, buffer int) *Appender {
	if buffer <= 0 {
		buffer = DefaultAppenderBuffer
	}
	a := &Appender{
		chain: chain,
		queue: make(chan appendRequest, buffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Record queues payload for appending. The payload is encoded before Record
// returns so later mutations by the caller are not captured.
func (a *Appender) Record(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	return a.enqueue(ctx, appendRequest{
		ctx:       context.WithoutCancel(ctx),
		eventType: eventType,
		payload:   data,
	})
}

// Flush waits until every record queued before the call has been appended.
func (a *Appender) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := a.enqueue(ctx, appendRequest{flushed: flushed}); err != nil {
		return err
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records and waits for the queue to drain.
func (a *Appender) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Appender) enqueue(ctx context.Context, req appendRequest) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("audit appender is closed")
	}
	select {
	case a.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Appender) run() {
	defer close(a.done)
	for req := range a.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		if _, err := a.chain.Append(req.ctx, req.eventType, req.payload); err != nil {
			log.Printf("audit append %s: %v", req.eventType, err)
		}
	}
}
