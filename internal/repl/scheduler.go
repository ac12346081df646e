package repl

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	errStalled         = errors.New("unit is still pending but no timers or host calls remain to resume it")
	errSchedulerClosed = errors.New("scheduler is closed")
)

// Scheduler is the cooperative event loop behind suspending snippets. One
// scheduler lives as long as its environment. It only runs callbacks on the
// goroutine that calls RunUntil; host work started with Go runs elsewhere
// and hands its result back through the inbox.
type Scheduler struct {
	mu       sync.Mutex
	timers   timerQueue
	byID     map[int]*timer
	nextID   int
	seq      uint64
	inflight int
	gen      uint64
	genCtx   context.Context
	cancel   context.CancelFunc
	inbox    chan completion
	wg       sync.WaitGroup
	closed   bool
}

type completion struct {
	gen     uint64
	deliver func()
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		byID:   make(map[int]*timer),
		genCtx: ctx,
		cancel: cancel,
		inbox:  make(chan completion, 64),
	}
}

// AfterFunc schedules fn to run after d. When repeat is set fn runs every d
// until cancelled. It returns an id for Cancel.
func (s *Scheduler) AfterFunc(d time.Duration, repeat bool, fn func()) int {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &timer{id: s.nextID, at: time.Now().Add(d), fn: fn, seq: s.nextSeq()}
	if repeat {
		t.interval = max(d, time.Millisecond)
	}
	if s.closed {
		return t.id
	}
	s.byID[t.id] = t
	heap.Push(&s.timers, t)
	return t.id
}

// Cancel removes a pending timer. It reports whether one was removed.
func (s *Scheduler) Cancel(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	heap.Remove(&s.timers, t.index)
	return true
}

// Go runs work on its own goroutine and, once it returns, queues done to run
// on the scheduler goroutine during a later RunUntil. work's context is
// cancelled when the scheduler is reset or closed.
func (s *Scheduler) Go(work func(ctx context.Context) (any, error), done func(any, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSchedulerClosed
	}
	gen, ctx := s.gen, s.genCtx
	s.inflight++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		v, err := work(ctx)
		c := completion{gen: gen, deliver: func() { done(v, err) }}
		select {
		case s.inbox <- c:
		case <-ctx.Done():
		}
	}()
	return nil
}

// Pending returns the number of scheduled timers and in-flight host calls.
func (s *Scheduler) Pending() (timers, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers), s.inflight
}

// RunUntil drives timers and host completions on the calling goroutine
// until settled reports true. It fails when ctx ends, when the scheduler is
// closed, or when nothing is left that could make settled true.
func (s *Scheduler) RunUntil(ctx context.Context, settled func() bool) error {
	for !settled() {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errSchedulerClosed
		}
		next := s.timers.peek()
		inflight := s.inflight
		s.mu.Unlock()

		if next == nil && inflight == 0 {
			return errStalled
		}

		var wake <-chan time.Time
		var t *time.Timer
		if next != nil {
			d := time.Until(next.at)
			if d <= 0 {
				s.fireDue()
				continue
			}
			t = time.NewTimer(d)
			wake = t.C
		}

		select {
		case c := <-s.inbox:
			stopTimer(t)
			s.deliver(c)
		case <-wake:
			s.fireDue()
		case <-ctx.Done():
			stopTimer(t)
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) deliver(c completion) {
	s.mu.Lock()
	stale := c.gen != s.gen
	if !stale {
		s.inflight--
	}
	s.mu.Unlock()
	if !stale {
		c.deliver()
	}
}

// fireDue runs every timer whose deadline has passed, in deadline order.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		t := s.timers.peek()
		if t == nil || t.at.After(now) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.timers)
		if t.interval > 0 {
			t.at = now.Add(t.interval)
			t.seq = s.nextSeq()
			heap.Push(&s.timers, t)
		} else {
			delete(s.byID, t.id)
		}
		fn := t.fn
		s.mu.Unlock()
		fn()
	}
}

// Reset drops every pending timer and detaches in-flight host calls so
// their results are discarded. The scheduler stays usable.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	if !s.closed {
		s.genCtx, s.cancel = context.WithCancel(context.Background())
	}
}

func (s *Scheduler) resetLocked() {
	s.cancel()
	s.gen++
	s.timers = nil
	s.byID = make(map[int]*timer)
	s.inflight = 0
}

// Close stops the scheduler and waits briefly for host goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.resetLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Scheduler) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type timer struct {
	id       int
	at       time.Time
	interval time.Duration
	seq      uint64
	fn       func()
	index    int
}

// timerQueue is a min-heap ordered by deadline, then creation order.
type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q timerQueue) peek() *timer {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
