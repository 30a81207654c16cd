package concrete

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/thread"
	"golang.org/x/sys/unix"
)

// schedStats implements thread.Stats
type schedStats struct {
	spawned uint64
	exited  uint64
	running int64
}

func (s *schedStats) Spawned() uint64 {
	return atomic.LoadUint64(&s.spawned)
}

func (s *schedStats) Exited() uint64 {
	return atomic.LoadUint64(&s.exited)
}

func (s *schedStats) Running() int64 {
	return atomic.LoadInt64(&s.running)
}

// Scheduler implements thread.Scheduler with one goroutine per thread
type Scheduler struct {
	mu         sync.Mutex
	wg         sync.WaitGroup
	nextID     int
	maxThreads int
	stats      *schedStats
	logger     logging.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(opts thread.Options) (*Scheduler, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if opts.MaxThreads < 0 {
		return nil, fmt.Errorf("max threads cannot be negative")
	}

	return &Scheduler{
		nextID:     1,
		maxThreads: opts.MaxThreads,
		stats:      &schedStats{},
		logger:     opts.Logger.WithGroup("sched"),
	}, nil
}

// Spawn starts entry on a new goroutine. It fails with ENOMEM when the
// thread cap is reached; nothing is started in that case.
func (s *Scheduler) Spawn(name string, pid int, entry func(*thread.Thread)) error {
	s.mu.Lock()
	if s.maxThreads > 0 && s.stats.Running() >= int64(s.maxThreads) {
		s.mu.Unlock()
		return errors.New(errors.ResourceExhausted, unix.ENOMEM,
			"thread limit %d reached", s.maxThreads)
	}
	id := s.nextID
	s.nextID++
	atomic.AddInt64(&s.stats.running, 1)
	atomic.AddUint64(&s.stats.spawned, 1)
	s.wg.Add(1)
	s.mu.Unlock()

	t := thread.New(id, name, pid)
	logger := s.logger.WithGroup(fmt.Sprintf("thread-%d", id))

	go func() {
		// Runs on return and on runtime.Goexit
		defer func() {
			atomic.AddInt64(&s.stats.running, -1)
			atomic.AddUint64(&s.stats.exited, 1)
			logger.Debug("thread exited", "name", name, "pid", pid)
			s.wg.Done()
		}()

		logger.Debug("thread started", "name", name, "pid", pid)
		entry(t)
	}()

	return nil
}

// Yield lets other goroutines run
func (s *Scheduler) Yield() {
	runtime.Gosched()
}

// ExitCurrent ends the calling goroutine after running its deferred calls
func (s *Scheduler) ExitCurrent() {
	runtime.Goexit()
}

// Wait blocks until every spawned thread has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns the current scheduler statistics
func (s *Scheduler) Stats() thread.Stats {
	return s.stats
}
