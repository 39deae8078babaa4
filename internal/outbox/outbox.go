// Package outbox serializes user sends per conversation. While an assistant
// stream is active, submitted messages queue up; on stream completion exactly
// one entry drains. An in-flight send is fingerprinted so a double-submit of
// the same content is rejected instead of transmitted twice.
package outbox

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/codefionn/plauderschnell/internal/logger"
)

// ErrDuplicateSend is returned when a send with the same fingerprint as an
// unsettled in-flight send is submitted.
var ErrDuplicateSend = errors.New("duplicate send in flight")

// Status describes a conversation's send pipeline.
type Status int

const (
	// Idle means sends transmit immediately.
	Idle Status = iota
	// Streaming means an assistant turn is in progress; sends queue.
	Streaming
	// Draining means a queued entry was just dispatched after a stream
	// completed. Distinct from Idle so the UI can tell "resting" from
	// "catching up".
	Draining
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// QueuedMessage is one deferred user send. It is consumed exactly once and
// never re-queued. Fingerprint carries the in-flight key so the caller can
// settle a drained send the same way as an immediate one.
type QueuedMessage struct {
	ID          string
	Content     string
	FilePaths   []string
	Fingerprint string
	EnqueuedAt  time.Time
}

// Queue gates user sends per conversation.
type Queue struct {
	mu       sync.Mutex
	queues   map[string][]QueuedMessage
	status   map[string]Status
	inflight map[string]struct{}
	log      *logger.Logger
}

// New creates an empty queue.
func New(log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Global()
	}
	return &Queue{
		queues:   make(map[string][]QueuedMessage),
		status:   make(map[string]Status),
		inflight: make(map[string]struct{}),
		log:      log.WithPrefix("outbox"),
	}
}

// Fingerprint builds the coarse in-flight key for a send: conversation plus
// content hash plus second-resolution timestamp.
func Fingerprint(convID, content string, at time.Time) string {
	return fmt.Sprintf("%s:%016x:%d", convID, xxhash.Sum64String(content), at.Unix())
}

// Submit gates one user send. When the conversation is idle it returns
// transmit=true and the caller sends immediately; otherwise the message is
// appended to the queue. The returned key must be settled once the send
// outcome is known. ErrDuplicateSend rejects a same-fingerprint resubmit
// while the first send is unsettled.
func (q *Queue) Submit(convID, content string, filePaths []string) (msg QueuedMessage, transmit bool, key string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key = Fingerprint(convID, content, time.Now())
	if _, dup := q.inflight[key]; dup {
		return QueuedMessage{}, false, "", ErrDuplicateSend
	}
	q.inflight[key] = struct{}{}

	msg = QueuedMessage{
		ID:          uuid.New().String(),
		Content:     content,
		FilePaths:   filePaths,
		Fingerprint: key,
		EnqueuedAt:  time.Now(),
	}

	if q.status[convID] != Idle {
		q.queues[convID] = append(q.queues[convID], msg)
		q.log.Debug("queued message %s for %s (%d waiting)", msg.ID, convID, len(q.queues[convID]))
		return msg, false, key, nil
	}

	q.status[convID] = Streaming
	return msg, true, key, nil
}

// Settle clears an in-flight fingerprint once the send has succeeded or
// failed. A failed send with nothing left queued also resets the
// conversation to idle.
func (q *Queue) Settle(key string, ok bool, convID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, key)
	if ok || len(q.queues[convID]) > 0 {
		return
	}
	if st := q.status[convID]; st == Streaming || st == Draining {
		q.status[convID] = Idle
	}
}

// MarkStreaming records a server-initiated stream start (e.g. a retry the
// client did not originate).
func (q *Queue) MarkStreaming(convID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[convID] = Streaming
}

// StreamDone is called when a stream reaches idle. Exactly one queued entry
// is dequeued and returned for sending; if one was, the conversation enters
// Draining, otherwise Idle.
func (q *Queue) StreamDone(convID string) (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[convID]
	if len(pending) == 0 {
		q.status[convID] = Idle
		return QueuedMessage{}, false
	}

	next := pending[0]
	q.queues[convID] = pending[1:]
	q.status[convID] = Draining
	q.log.Debug("draining message %s for %s (%d left)", next.ID, convID, len(q.queues[convID]))
	return next, true
}

// Reset clears a conversation's pipeline entirely: status back to idle,
// queued entries dropped, in-flight fingerprints released. Used when the
// conversation itself goes away.
func (q *Queue) Reset(convID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.status[convID] = Idle
	delete(q.queues, convID)
	prefix := convID + ":"
	for key := range q.inflight {
		if strings.HasPrefix(key, prefix) {
			delete(q.inflight, key)
		}
	}
}

// Status returns the conversation's pipeline status.
func (q *Queue) Status(convID string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status[convID]
}

// Len returns the number of queued messages for a conversation.
func (q *Queue) Len(convID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[convID])
}

// Rekey moves queue and status under a new conversation id after a redirect.
// Old-keyed entries are moved, not copied; in-flight fingerprints keep their
// original key until settled.
func (q *Queue) Rekey(oldID, newID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pending, ok := q.queues[oldID]; ok {
		q.queues[newID] = append(q.queues[newID], pending...)
		delete(q.queues, oldID)
	}
	if st, ok := q.status[oldID]; ok {
		q.status[newID] = st
		delete(q.status, oldID)
	}
}
