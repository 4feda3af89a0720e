package persist

import (
	"context"
	"log"
	"sync"
	"time"
)

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Mirror forwards records to a Sink from a single background worker,
// so records reach the sink in the order they were enqueued.  Enqueue
// never blocks: when the queue is full the record is dropped and
// logged.
type Mirror struct {
	sink    Sink
	queue   chan job
	timeout time.Duration
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	// OnError, if set, is called from the worker for every failed or
	// dropped record.
	OnError func(kind string, err error)
}

// NewMirror starts a worker draining a queue of the given depth.
func NewMirror(sink Sink, depth int) (m *Mirror) {
	if depth < 1 {
		depth = 1
	}
	m = &Mirror{
		sink:    sink,
		queue:   make(chan job, depth),
		timeout: 30 * time.Second,
		done:    make(chan struct{}),
	}
	go m.worker()
	return
}

func (m *Mirror) worker() {
	defer close(m.done)
	for j := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			m.fail(j.kind, err)
		}
	}
}

func (m *Mirror) fail(kind string, err error) {
	log.Printf("persist: %s failed: %v", kind, err)
	if m.OnError != nil {
		m.OnError(kind, err)
	}
}

func (m *Mirror) enqueue(j job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.fail(j.kind, errClosed)
		return
	}
	select {
	case m.queue <- j:
	default:
		m.fail(j.kind, errQueueFull)
	}
}

// CreateUser enqueues a user record.
func (m *Mirror) CreateUser(u User) {
	m.enqueue(job{"create user", func(ctx context.Context) error { return m.sink.CreateUser(ctx, u) }})
}

// CreateConversation enqueues a conversation record.
func (m *Mirror) CreateConversation(c Conversation) {
	m.enqueue(job{"create conversation", func(ctx context.Context) error { return m.sink.CreateConversation(ctx, c) }})
}

// AddMessage enqueues a message record.
func (m *Mirror) AddMessage(msg Message) {
	m.enqueue(job{"add message", func(ctx context.Context) error { return m.sink.AddMessage(ctx, msg) }})
}

// Close stops accepting records and waits for the queue to drain.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

var _ Recorder = (*Mirror)(nil)
