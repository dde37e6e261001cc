package transport

import (
	"sort"
	"sync"
	"time"
)

// Scheduler schedules cancelable timers and tickers. Reconnect backoff and
// status polling run through it, so a ManualScheduler can stand in during
// tests and make time deterministic.
type Scheduler interface {
	// AfterFunc runs fn once after d. The returned cancel stops a pending
	// run; canceling after the run is a no-op.
	AfterFunc(d time.Duration, fn func()) (cancel func())

	// Every runs fn repeatedly with period d until canceled.
	Every(d time.Duration, fn func()) (cancel func())
}

// TimeScheduler is the wall-clock Scheduler.
type TimeScheduler struct{}

// AfterFunc implements Scheduler via time.AfterFunc.
func (TimeScheduler) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Every implements Scheduler via a ticker goroutine.
func (TimeScheduler) Every(d time.Duration, fn func()) (cancel func()) {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// ManualScheduler is a test Scheduler driven by Advance calls.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	nextID uint64
	tasks  []*manualTask
}

type manualTask struct {
	id       uint64
	deadline time.Duration
	period   time.Duration // zero for one-shot
	fn       func()
}

// NewManualScheduler creates a scheduler at time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc implements Scheduler.
func (m *ManualScheduler) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	return m.add(d, 0, fn)
}

// Every implements Scheduler.
func (m *ManualScheduler) Every(d time.Duration, fn func()) (cancel func()) {
	return m.add(d, d, fn)
}

func (m *ManualScheduler) add(d, period time.Duration, fn func()) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task := &manualTask{id: m.nextID, deadline: m.now + d, period: period, fn: fn}
	m.tasks = append(m.tasks, task)
	id := task.id
	return func() { m.remove(id) }
}

func (m *ManualScheduler) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.id == id {
			m.tasks = append(m.tasks[:i:i], m.tasks[i+1:]...)
			return
		}
	}
}

// Advance moves simulated time forward, running every task that comes due in
// deadline order. Tasks scheduled by running tasks are honored within the
// same Advance when they fall inside the window.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		task := m.popDue(target)
		if task == nil {
			break
		}
		task.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// popDue removes and returns the earliest task due at or before target,
// advancing now to its deadline. Periodic tasks are rescheduled.
func (m *ManualScheduler) popDue(target time.Duration) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.tasks, func(i, j int) bool { return m.tasks[i].deadline < m.tasks[j].deadline })
	if len(m.tasks) == 0 || m.tasks[0].deadline > target {
		return nil
	}
	task := m.tasks[0]
	m.tasks = m.tasks[1:]
	if m.now < task.deadline {
		m.now = task.deadline
	}
	if task.period > 0 {
		m.tasks = append(m.tasks, &manualTask{
			id:       task.id,
			deadline: task.deadline + task.period,
			period:   task.period,
			fn:       task.fn,
		})
	}
	return task
}

// PendingDelays reports the delays from current simulated time to each
// scheduled task, soonest first. Tests assert backoff sequences with it.
func (m *ManualScheduler) PendingDelays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.SliceStable(m.tasks, func(i, j int) bool { return m.tasks[i].deadline < m.tasks[j].deadline })
	out := make([]time.Duration, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.deadline-m.now)
	}
	return out
}
