package core

import "sync"

// mailbox is one registered per-request stream: a bounded event buffer plus
// a done signal so deliveries never block on an abandoned consumer.
type mailbox struct {
	ch   chan ResultEvent
	done chan struct{}
}

// MailboxRegistry routes worker-emitted events to the client stream whose
// request id matches.  A mailbox is registered at admission and torn down on
// completion, error, or client disconnect; events addressed to an
// unregistered id are dropped.  Safe for concurrent use.
type MailboxRegistry struct {
	mu    sync.RWMutex
	boxes map[string]*mailbox
	size  int
}

// NewMailboxRegistry creates a registry whose mailboxes buffer up to size
// events before back-pressuring the producer.
func NewMailboxRegistry(size int) *MailboxRegistry {
	if size <= 0 {
		size = 64
	}
	return &MailboxRegistry{
		boxes: make(map[string]*mailbox),
		size:  size,
	}
}

// Register creates the mailbox for a request id and returns its receive side.
// Registering an id twice replaces the previous mailbox.
func (r *MailboxRegistry) Register(id string) <-chan ResultEvent {
	box := &mailbox{
		ch:   make(chan ResultEvent, r.size),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	if prev, ok := r.boxes[id]; ok {
		close(prev.done)
	}
	r.boxes[id] = box
	r.mu.Unlock()
	return box.ch
}

// Unregister tears down the mailbox for a request id.  In-flight deliveries
// to it unblock and drop their event.
func (r *MailboxRegistry) Unregister(id string) {
	r.mu.Lock()
	box, ok := r.boxes[id]
	if ok {
		delete(r.boxes, id)
	}
	r.mu.Unlock()
	if ok {
		close(box.done)
	}
}

// Deliver routes ev to the mailbox registered for its request id, blocking
// while the buffer is full.  It reports whether the event was accepted;
// events for unregistered ids are dropped.
func (r *MailboxRegistry) Deliver(ev ResultEvent) bool {
	r.mu.RLock()
	box, ok := r.boxes[ev.RequestID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case box.ch <- ev:
		return true
	case <-box.done:
		return false
	}
}

// Len returns the number of registered mailboxes.
func (r *MailboxRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boxes)
}
