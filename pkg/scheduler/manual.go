package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by an explicit clock. Jobs run
// synchronously inside Advance, in due-time order. It is meant for tests
// of components whose behaviour depends on timers.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	seq  int
	jobs map[int]*manualJob
}

type manualJob struct {
	id     int
	due    time.Time
	period time.Duration
	fn     func()
}

// NewManual creates a Manual scheduler whose clock starts at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, jobs: make(map[int]*manualJob)}
}

// Now returns the manual clock; pass it as a component's clock
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of scheduled jobs
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *Manual) ScheduleOnce(delay time.Duration, fn func()) Handle {
	return m.add(delay, 0, fn)
}

func (m *Manual) ScheduleRepeating(period time.Duration, fn func()) Handle {
	return m.add(period, period, fn)
}

func (m *Manual) add(delay, period time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := &manualJob{id: m.seq, due: m.now.Add(delay), period: period, fn: fn}
	m.jobs[job.id] = job
	return &manualHandle{m: m, id: job.id}
}

// Advance moves the clock forward by d, running every job that falls due
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		job := m.nextDue(target)
		if job == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = job.due
		if job.period > 0 {
			job.due = job.due.Add(job.period)
		} else {
			delete(m.jobs, job.id)
		}
		fn := job.fn
		m.mu.Unlock()

		fn()
	}
}

func (m *Manual) nextDue(target time.Time) *manualJob {
	var due []*manualJob
	for _, job := range m.jobs {
		if !job.due.After(target) {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

type manualHandle struct {
	m  *Manual
	id int
}

func (h *manualHandle) Cancel() {
	h.m.mu.Lock()
	delete(h.m.jobs, h.id)
	h.m.mu.Unlock()
}
