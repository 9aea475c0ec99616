/*
Package alerts holds rescue alerts raised by couriers until an admin
acknowledges them.

PURPOSE:
  A courier in trouble raises an alert from the field. Admins poll the
  latest pending alert together with the pending count, and acknowledge
  alerts one by one. Polling never acknowledges.

CAPACITY:
  The queue is bounded. When full, the oldest acknowledged alert is
  evicted; if every stored alert is still pending, Raise fails with
  ErrQueueFull.
*/
package alerts

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrKindRequired  = errors.New("alert kind is required")
	ErrQueueFull     = errors.New("alert queue is full")
	ErrAlertNotFound = errors.New("alert not found")
)

type Alert struct {
	ID          string     `json:"id"`
	CourierID   string     `json:"courier_id,omitempty"`
	CourierName string     `json:"courier_name"`
	Kind        string     `json:"kind"`
	Details     string     `json:"details,omitempty"`
	Message     string     `json:"message"`
	RaisedAt    time.Time  `json:"raised_at"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
}

func (a Alert) Pending() bool { return a.AckedAt == nil }

// Raise is the courier's request.
type Raise struct {
	CourierID   string
	CourierName string
	Kind        string
	Details     string
}

// Gauge receives the pending count after every change.
type Gauge interface {
	SetAlertsPending(n int)
}

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []Alert
	gauge    Gauge
	now      func() time.Time
}

func NewQueue(capacity int, gauge Gauge) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, gauge: gauge, now: time.Now}
}

// Raise stores a new pending alert.
func (q *Queue) Raise(in Raise) (Alert, error) {
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		return Alert{}, ErrKindRequired
	}
	details := strings.TrimSpace(in.Details)
	name := strings.TrimSpace(in.CourierName)
	if name == "" {
		name = "Courier"
	}
	msg := kind
	if details != "" {
		msg = kind + ": " + details
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity && !q.evictAcked() {
		return Alert{}, fmt.Errorf("%w (%d pending)", ErrQueueFull, len(q.items))
	}
	a := Alert{
		ID:          uuid.NewString(),
		CourierID:   in.CourierID,
		CourierName: name,
		Kind:        kind,
		Details:     details,
		Message:     msg,
		RaisedAt:    q.now().UTC(),
	}
	q.items = append(q.items, a)
	q.publish()
	return a, nil
}

// Latest returns the most recent pending alert and the pending count. The
// alert is nil when nothing is pending.
func (q *Queue) Latest() (*Alert, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var latest *Alert
	n := 0
	for i := range q.items {
		if q.items[i].Pending() {
			n++
			a := q.items[i]
			latest = &a
		}
	}
	return latest, n
}

// List returns stored alerts, oldest first. With pendingOnly acknowledged
// alerts are left out.
func (q *Queue) List(pendingOnly bool) []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Alert, 0, len(q.items))
	for _, a := range q.items {
		if pendingOnly && !a.Pending() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Ack acknowledges an alert and returns the remaining pending count.
// Acknowledging twice is not an error.
func (q *Queue) Ack(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		found = true
		if q.items[i].AckedAt == nil {
			t := q.now().UTC()
			q.items[i].AckedAt = &t
		}
		break
	}
	if !found {
		return 0, fmt.Errorf("alert %s: %w", id, ErrAlertNotFound)
	}
	q.publish()
	return q.pendingLocked(), nil
}

func (q *Queue) evictAcked() bool {
	for i, a := range q.items {
		if !a.Pending() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, a := range q.items {
		if a.Pending() {
			n++
		}
	}
	return n
}

func (q *Queue) publish() {
	if q.gauge != nil {
		q.gauge.SetAlertsPending(q.pendingLocked())
	}
}
