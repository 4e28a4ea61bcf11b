package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/util"
)

// Handle cancels a scheduled job. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// Scheduler runs callbacks after a delay or periodically.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func()) Handle
	ScheduleRepeating(period time.Duration, fn func()) Handle
}

// Service is the process-wide Scheduler. Repeating jobs with a whole
// second period run on a cron instance; shorter or fractional periods
// (relay activity checks, shaped egress) use tickers.
type Service struct {
	cron   *cron.Cron
	logger *logrus.Logger
	panics *util.PanicHandler

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewService creates and starts a scheduler
func NewService(logger *logrus.Logger) *Service {
	cronLogger := cron.PrintfLogger(logger)
	s := &Service{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
		panics: util.NewPanicHandler(logger),
		done:   make(chan struct{}),
	}
	s.cron.Start()
	logger.Debug("Scheduler started")
	return s
}

// Stop halts the scheduler. Pending one-shot timers are not fired after
// Stop returns; running jobs are allowed to complete.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Debug("Scheduler stopped")
}

// ScheduleOnce runs fn once after delay
func (s *Service) ScheduleOnce(delay time.Duration, fn func()) Handle {
	h := &timerHandle{}
	h.timer = time.AfterFunc(delay, func() {
		select {
		case <-s.done:
			return
		default:
		}
		if h.cancelled() {
			return
		}
		s.panics.Wrap("scheduler", fn)()
	})
	return h
}

// ScheduleRepeating runs fn every period until the handle is cancelled
func (s *Service) ScheduleRepeating(period time.Duration, fn func()) Handle {
	if period >= time.Second && period%time.Second == 0 {
		id := s.cron.Schedule(cron.Every(period), cron.FuncJob(fn))
		return &cronHandle{cron: s.cron, id: id}
	}
	if period <= 0 {
		period = time.Millisecond
	}

	h := &tickerHandle{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.panics.Wrap("scheduler", fn)()
			case <-h.stop:
				return
			case <-s.done:
				return
			}
		}
	}()
	return h
}

type timerHandle struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func (h *timerHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		h.done = true
		h.timer.Stop()
	}
}

func (h *timerHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

type cronHandle struct {
	cron *cron.Cron
	id   cron.EntryID
	once sync.Once
}

func (h *cronHandle) Cancel() {
	h.once.Do(func() { h.cron.Remove(h.id) })
}

type tickerHandle struct {
	stop chan struct{}
	once sync.Once
}

func (h *tickerHandle) Cancel() {
	h.once.Do(func() { close(h.stop) })
}
