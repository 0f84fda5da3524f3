package membership

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const taskBufferSize = 256

// scheduler is the single serialization context of the protocol. All state
// mutations, timer ticks and transport completions run on its one worker
// goroutine, so none of them ever race with each other.
type scheduler struct {
	logger log.Logger
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newScheduler(logger log.Logger) *scheduler {
	s := &scheduler{
		logger: logger,
		tasks:  make(chan func(), taskBufferSize),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.run()
	}()

	return s
}

func (s *scheduler) run() {
	for {
		select {
		case fn := <-s.tasks:
			s.invoke(fn)
		case <-s.done:
			return
		}
	}
}

// invoke runs a task, keeping panics from killing the worker loop.
func (s *scheduler) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "scheduled task panicked", "panic", r)
		}
	}()

	fn()
}

// Submit enqueues a task for execution on the worker. Tasks submitted after
// Close are silently dropped; late transport completions rely on this.
func (s *scheduler) Submit(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// Every runs the task on the worker immediately and then at the given period
// until the scheduler is closed.
func (s *scheduler) Every(period time.Duration, fn func()) {
	s.Submit(fn)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Submit(fn)
			case <-s.done:
				return
			}
		}
	}()
}

func (s *scheduler) Close() {
	s.once.Do(func() {
		close(s.done)
	})

	s.wg.Wait()
}
