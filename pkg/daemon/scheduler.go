package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead          = time.Minute * 5 // announce an upcoming sweep this long before it starts
	defaultPreCheckTimes = 30
	defaultPreCheckEvery = time.Second * 10
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression with optional seconds and descriptors
// such as @daily or @every 6h.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextRuns returns the next n activation times of sched after from.
func NextRuns(sched cron.Schedule, from time.Time, n int) []time.Time {
	runs := make([]time.Time, 0, n)
	for range n {
		from = sched.Next(from)
		runs = append(runs, from)
	}
	return runs
}

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs a task at the activation times of a cron schedule. Before
// each run OnUpcoming is called lead ahead of time and PreCheck is retried
// until it passes or the attempts are used up, in which case the run is
// skipped.
type Scheduler struct {
	OnUpcoming NotifyFunc // called lead before running the task
	OnError    NotifyFunc // called on precheck or task error
	Task       TaskFunc
	PreCheck   TaskFunc

	lead          time.Duration
	preCheckTimes int
	preCheckEvery time.Duration

	mu       sync.Mutex
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	controlCh chan controlMsg
	stopCh    chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithLead sets how long before a run OnUpcoming is called.
func WithLead(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lead = d }
}

// WithPreCheckRetry sets how often and how many times a failing precheck is
// retried before the run is skipped.
func WithPreCheckRetry(every time.Duration, times int) SchedulerOption {
	return func(s *Scheduler) {
		s.preCheckEvery = every
		s.preCheckTimes = times
	}
}

type controlKind int

const (
	ctrlReset    controlKind = iota // schedule or next run changed
	ctrlPostpone                    // only the pending run moves
)

type controlMsg struct {
	kind controlKind
	at   time.Time
}

type stage int

const (
	stageIdle stage = iota
	stageUpcoming
	stageRun
)

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc, opts ...SchedulerOption) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	s := &Scheduler{
		OnUpcoming:    onUpcoming,
		OnError:       onError,
		Task:          task,
		PreCheck:      preCheck,
		lead:          defaultLead,
		preCheckTimes: defaultPreCheckTimes,
		preCheckEvery: defaultPreCheckEvery,
		controlCh:     make(chan controlMsg, 4),
		stopCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.run()
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Schedule replaces the schedule. The next run is computed from now.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := ParseCron(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.schedule = sh
	s.nextRun = sh.Next(time.Now())
	s.mu.Unlock()

	s.trySendControl(ctrlReset, time.Time{})
	return nil
}

// Disable removes the schedule. The scheduler keeps running and can be given
// a new schedule later.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.schedule = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.trySendControl(ctrlReset, time.Time{})
}

// Postpone postpones the next scheduled run by the given duration. The run
// cannot be moved past the one after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		return fmt.Errorf("no active schedule to postpone")
	}

	following := s.schedule.Next(s.nextRun).Truncate(time.Second)
	pp := s.nextRun.Add(d).Truncate(time.Second)
	if pp.Compare(following) >= 0 {
		return fmt.Errorf("postpone duration too long")
	}

	s.nextRun = pp
	s.trySendControl(ctrlPostpone, pp)
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	s.mu.Unlock()

	s.trySendControl(ctrlReset, time.Time{})
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, s.running
}

func (s *Scheduler) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()
	logrus.Debug("scheduler started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		_, nextRun := s.snapshot()
		st := stageIdle
		if !nextRun.IsZero() {
			st = stageUpcoming
			timer.Reset(nonNegative(time.Until(nextRun) - s.lead))
		}

		attempts := 0
		var lastErr error

	wait:
		for {
			select {
			case <-s.stopCh:
				return
			case msg := <-s.controlCh:
				logrus.WithField("kind", msg.kind).Debug("received scheduler control msg")
				if msg.kind == ctrlPostpone {
					nextRun = msg.at
					st = stageRun
					timer.Reset(nonNegative(time.Until(msg.at)))
					continue
				}
				timer.Stop()
				break wait
			case <-timer.C:
				switch st {
				case stageUpcoming:
					logrus.Debugf("upcoming scheduled task at %s", nextRun.Format(time.DateTime))
					st = stageRun
					timer.Reset(nonNegative(time.Until(nextRun)))
					s.sendNotify(nextRun)
					continue
				case stageRun:
				default:
					continue
				}

				logrus.Debugf("running scheduled task at %s", nextRun.Format(time.DateTime))
				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						if lastErr == nil || err.Error() != lastErr.Error() {
							lastErr = err
							s.sendError(fmt.Errorf("precheck failed: %w", err))
						}
						attempts++
						if attempts <= s.preCheckTimes {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.preCheckTimes, err, s.preCheckEvery)
							timer.Reset(s.preCheckEvery)
							continue
						}
						logrus.Warnf("precheck failed %d times, skipping scheduled run at %s", attempts, nextRun.Format(time.DateTime))
						s.advance(nextRun)
						break wait
					}
				}

				go func() {
					if err := s.Task(); err != nil {
						s.sendError(fmt.Errorf("task failed: %w", err))
					}
				}()
				s.advance(nextRun)
				break wait
			}
		}
	}
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

// advance moves the next run past ran, unless the schedule changed meanwhile.
func (s *Scheduler) advance(ran time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || !s.nextRun.Equal(ran) {
		return
	}
	now := time.Now()
	next := s.schedule.Next(ran)
	for !next.IsZero() && !next.After(now) {
		next = s.schedule.Next(next)
	}
	s.nextRun = next
}

func (s *Scheduler) sendNotify(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}
	go s.OnUpcoming(runAt)
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, at time.Time) {
	select {
	case s.controlCh <- controlMsg{kind: kind, at: at}:
	default:
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
