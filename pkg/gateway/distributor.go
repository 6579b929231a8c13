package gateway

import (
	"context"
	"sync"

	"gatelink/pkg/diag"
)

const (
	listenerQueueCap = 256
	replayRingCap    = 512
)

// EventHandler receives pushes for one listener. Handlers may block; a slow
// handler backs up only its own queue.
type EventHandler func(EventFrame)

type listener struct {
	handler  EventHandler
	queue    []EventFrame
	draining bool
	// inFlight marks a push popped but still in its handler; it keeps
	// counting against the queue bound until the handler returns.
	inFlight bool
	dropped  int
}

// Distributor fans server pushes out to registered listeners. Each listener
// has a bounded FIFO queue drained by a single-flight goroutine, so pushes
// are delivered to a given listener in receipt order and no listener can
// stall another.
//
// It also keeps a bounded ring of recent frames carrying a run id so that a
// late subscriber to a run can replay what it missed.
type Distributor struct {
	mu        sync.Mutex
	listeners map[int]*listener
	nextID    int
	ring      []EventFrame
	sink      diag.Sink
}

func NewDistributor(sink diag.Sink) *Distributor {
	if sink == nil {
		sink = diag.NopSink{}
	}
	return &Distributor{
		listeners: make(map[int]*listener),
		sink:      sink,
	}
}

// AddListener registers a handler and returns its id for removal.
func (d *Distributor) AddListener(h EventHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = &listener{handler: h}
	return id
}

// RemoveListener drops the registration. Pushes still queued for it are
// discarded on the next drain attempt.
func (d *Distributor) RemoveListener(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, id)
}

// Dispatch feeds one push to every listener queue and records it in the
// replay ring when it carries a run id.
func (d *Distributor) Dispatch(frame EventFrame) {
	d.mu.Lock()
	if frame.RunID() != "" {
		if len(d.ring) >= replayRingCap {
			d.ring = d.ring[1:]
		}
		d.ring = append(d.ring, frame)
	}
	for id, l := range d.listeners {
		occupied := len(l.queue)
		if l.inFlight {
			occupied++
		}
		if occupied >= listenerQueueCap {
			overflow := occupied - listenerQueueCap + 1
			if overflow > len(l.queue) {
				overflow = len(l.queue)
			}
			l.queue = l.queue[overflow:]
			l.dropped += overflow
			d.sink.Emit(diag.LevelWarn, "distributor", "queue_overflow",
				map[string]any{"listener": id, "dropped_total": l.dropped})
		}
		l.queue = append(l.queue, frame)
		if !l.draining {
			l.draining = true
			go d.drain(id)
		}
	}
	d.mu.Unlock()
}

// drain delivers queued pushes for one listener until its queue is empty.
// The lock is released around each handler call so dispatch never waits on
// a consumer.
func (d *Distributor) drain(id int) {
	for {
		d.mu.Lock()
		l, ok := d.listeners[id]
		if !ok {
			// Removed while draining; queued pushes die with it.
			d.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.draining = false
			l.inFlight = false
			d.mu.Unlock()
			return
		}
		frame := l.queue[0]
		l.queue = l.queue[1:]
		l.inFlight = true
		handler := l.handler
		d.mu.Unlock()

		handler(frame)

		d.mu.Lock()
		if l2, ok := d.listeners[id]; ok {
			l2.inFlight = false
		}
		d.mu.Unlock()
	}
}

// Dropped reports how many pushes have been discarded for a listener.
func (d *Distributor) Dropped(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.listeners[id]; ok {
		return l.dropped
	}
	return 0
}

// replayFor returns buffered frames for a run, oldest first.
func (d *Distributor) replayFor(runID string) []EventFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replayForLocked(runID)
}

func (d *Distributor) replayForLocked(runID string) []EventFrame {
	var out []EventFrame
	for _, f := range d.ring {
		if f.RunID() == runID {
			out = append(out, f)
		}
	}
	return out
}

// subscribeSnapshot registers a live handler and snapshots the replay ring in
// one critical section. Dispatch holds the same lock while appending to the
// ring and the listener queues, so the two views partition the stream
// exactly: every frame lands in the snapshot or on the live path, never both.
func (d *Distributor) subscribeSnapshot(runID string, h EventHandler) (int, []EventFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = &listener{handler: h}
	return id, d.replayForLocked(runID)
}

// SubscribeRun returns a channel of frames for one run: buffered frames are
// replayed first, then live frames follow. The subscription ends when ctx is
// cancelled; the channel is closed and the listener removed. It is not
// restartable, call again to resubscribe.
func (d *Distributor) SubscribeRun(ctx context.Context, runID string) <-chan EventFrame {
	out := make(chan EventFrame)

	// The live listener queues into here while replay drains so no frame is
	// lost before the forwarder goes live. Registration and the ring snapshot
	// happen atomically, so the live path never repeats a replayed frame.
	liveCh := make(chan EventFrame, listenerQueueCap)
	id, replay := d.subscribeSnapshot(runID, func(f EventFrame) {
		if f.RunID() != runID {
			return
		}
		select {
		case liveCh <- f:
		case <-ctx.Done():
		}
	})

	go func() {
		defer close(out)
		defer d.RemoveListener(id)
		for _, f := range replay {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case f := <-liveCh:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
