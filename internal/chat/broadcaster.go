package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go-chat-core/internal/logger"
)

// Emit fans an event out to the room a task runs for.
type Emit func(*Event)

type roomTask struct {
	ctx  context.Context
	fn   func(Emit) error
	done chan error
}

// roomWorker is the serialization point of one room. pending counts tasks
// that were handed out but not finished; the worker only retires when it
// is zero.
type roomWorker struct {
	tasks   chan roomTask
	pending int
}

// Broadcaster funnels every state-affecting event of a room through one
// goroutine per room, so subscribers see events in commit order. Rooms
// are independent of each other.
type Broadcaster struct {
	registry  *Registry
	log       *slog.Logger
	queueSize int
	idle      time.Duration
	onDrop    func(ConnectionID)

	mu      sync.Mutex
	rooms   map[RoomID]*roomWorker
	closed  bool
	done    chan struct{}
	workers sync.WaitGroup
}

func NewBroadcaster(registry *Registry, queueSize int, idle time.Duration, log *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 128
	}
	if idle <= 0 {
		idle = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		registry:  registry,
		log:       log,
		queueSize: queueSize,
		idle:      idle,
		rooms:     make(map[RoomID]*roomWorker),
		done:      make(chan struct{}),
	}
}

// OnDrop registers a callback for connections that failed with
// backpressure during fan-out. It runs on the room worker and must not
// block.
func (b *Broadcaster) OnDrop(fn func(ConnectionID)) {
	b.onDrop = fn
}

// Publish delivers ev to every connection subscribed to room, in order
// with the room's other events.
func (b *Broadcaster) Publish(ctx context.Context, room RoomID, ev *Event) error {
	return b.Do(ctx, room, func(emit Emit) error {
		emit(ev)
		return nil
	})
}

// Do runs fn on the room's worker and waits for it. Events passed to emit
// are delivered immediately, before the next task of the room starts. If
// ctx ends before fn starts, fn is skipped.
func (b *Broadcaster) Do(ctx context.Context, room RoomID, fn func(Emit) error) error {
	w, err := b.acquire(room)
	if err != nil {
		return err
	}

	task := roomTask{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.tasks <- task:
	case <-ctx.Done():
		b.release(w)
		return ctx.Err()
	case <-b.done:
		b.release(w)
		return ErrBroadcasterClosed
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBroadcasterClosed
	}
}

func (b *Broadcaster) acquire(room RoomID) (*roomWorker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	w, ok := b.rooms[room]
	if !ok {
		w = &roomWorker{tasks: make(chan roomTask, b.queueSize)}
		b.rooms[room] = w
		b.workers.Add(1)
		go b.run(room, w)
	}
	w.pending++
	return w, nil
}

func (b *Broadcaster) release(w *roomWorker) {
	b.mu.Lock()
	w.pending--
	b.mu.Unlock()
}

func (b *Broadcaster) run(room RoomID, w *roomWorker) {
	defer b.workers.Done()

	emit := func(ev *Event) { b.fanout(room, ev) }
	timer := time.NewTimer(b.idle)
	defer timer.Stop()

	for {
		select {
		case task := <-w.tasks:
			b.execute(room, task, emit)
			b.release(w)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.idle)

		case <-timer.C:
			b.mu.Lock()
			if w.pending == 0 {
				delete(b.rooms, room)
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			timer.Reset(b.idle)

		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) execute(room RoomID, task roomTask, emit Emit) {
	if err := task.ctx.Err(); err != nil {
		task.done <- err
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("room task panicked", "room_id", room, "panic", r)
			task.done <- errors.New("room task panicked")
		}
	}()
	task.done <- task.fn(emit)
}

// fanout is best-effort per connection: one failing subscriber never
// affects the others.
func (b *Broadcaster) fanout(room RoomID, ev *Event) {
	for _, id := range b.registry.ConnectionsOfRoom(room) {
		err := b.registry.Send(id, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrBackpressure):
			if b.onDrop != nil {
				b.onDrop(id)
			}
		default:
			b.log.Debug("fan-out skipped connection", "room_id", room, "conn_id", id, "type", ev.Type, logger.Err(err))
		}
	}
}

// Rooms reports how many room workers are running.
func (b *Broadcaster) Rooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// Close stops every room worker. Queued tasks are abandoned.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.workers.Wait()
}
