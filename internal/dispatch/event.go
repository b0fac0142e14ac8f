package dispatch

import (
	"sync"
	"time"
)

// Kind is an operation kind. At most one task per kind runs at a time.
type Kind string

const (
	KindFlash  Kind = "flash"
	KindErase  Kind = "erase"
	KindConfig Kind = "config"
	KindBatch  Kind = "batch"
)

// Event is one progress report or the terminal result of a task.
//
// Progress is a fraction in [0,1]. A terminal failure carries 0 when no
// device I/O happened and 1 otherwise.
type Event struct {
	TaskID        string     `json:"task_id"`
	Kind          Kind       `json:"kind"`
	DeviceID      string     `json:"device_id"`
	Status        string     `json:"status"`
	Progress      float64    `json:"progress"`
	Indeterminate bool       `json:"indeterminate,omitempty"`
	Done          bool       `json:"done"`
	Err           error      `json:"-"`
	ErrorClass    ErrorClass `json:"error_class,omitempty"`
	Time          time.Time  `json:"time"`
}

// Failed reports whether ev is a terminal failure.
func (ev Event) Failed() bool {
	return ev.Done && ev.Err != nil
}

// Sink receives every event of every task. Publish is called from task
// goroutines and must not block for long.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(ev Event) { f(ev) }

// taskBuffer is the per-task event channel capacity. Progress events are
// dropped when the consumer falls behind; the terminal event is kept by
// Result.
const taskBuffer = 64

// Task is one accepted request.
type Task struct {
	ID       string
	Kind     Kind
	DeviceID string

	events chan Event
	done   chan struct{}

	mu    sync.Mutex
	final Event
}

func newTask(id string, kind Kind, deviceID string) *Task {
	return &Task{
		ID:       id,
		Kind:     kind,
		DeviceID: deviceID,
		events:   make(chan Event, taskBuffer),
		done:     make(chan struct{}),
	}
}

// Events returns the task's event stream. It is closed after the
// terminal event.
func (t *Task) Events() <-chan Event {
	return t.events
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its terminal event.
func (t *Task) Wait() Event {
	<-t.done
	return t.Result()
}

// Result returns the terminal event, or the zero Event while running.
func (t *Task) Result() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

func (t *Task) deliver(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *Task) finish(ev Event) {
	t.mu.Lock()
	t.final = ev
	t.mu.Unlock()
	t.deliver(ev)
	close(t.events)
	close(t.done)
}
