package orchestrator

import (
	"sync/atomic"
	"time"

	"selfpatch/internal/sched"
)

// Interrupt reason tags carried into audit records.
const (
	ReasonUserPriority = "USER_PRIORITY"
	ReasonEmergency    = "EMERGENCY_ROLLBACK"
)

// interruptState is the orthogonal interrupt flag: settable from any
// goroutine at any time, consulted only at cycle checkpoints.
type interruptState struct {
	requested atomic.Bool
	reason    atomic.Value // string
}

func (s *interruptState) set(reason string) {
	// Reason first: a checkpoint that observes the flag must see it.
	s.reason.Store(reason)
	s.requested.Store(true)
}

func (s *interruptState) clear() {
	s.requested.Store(false)
	s.reason.Store("")
}

func (s *interruptState) get() (bool, string) {
	reason, _ := s.reason.Load().(string)
	return s.requested.Load(), reason
}

// Notifier receives the two asynchronous external triggers. Both
// handlers are O(1) and perform no file I/O: they flip flags, push one
// queue entry, and signal the wake channel. Platform signal handlers
// call these and nothing else.
type Notifier struct {
	state   *interruptState
	running *atomic.Bool
	queue   *sched.Scheduler
	wake    chan struct{}
}

func newNotifier(state *interruptState, running *atomic.Bool, queue *sched.Scheduler) *Notifier {
	return &Notifier{
		state:   state,
		running: running,
		queue:   queue,
		wake:    make(chan struct{}, 1),
	}
}

// UserPriority interrupts any running cycle and queues a user-immediate
// task. The task carries no subject id: the worker resolves the most
// recent approved-but-unapplied proposal when it runs, keeping this
// handler free of file I/O.
func (n *Notifier) UserPriority() {
	if n.running.Load() {
		n.state.set(ReasonUserPriority)
	}
	_ = n.queue.Enqueue(sched.Task{
		Priority:   sched.UserImmediate,
		Origin:     sched.OriginUser,
		Source:     "user_priority",
		EnqueuedAt: time.Now().UTC(),
	})
	n.signal()
}

// Emergency requests an interrupt unconditionally, for suspected
// corruption. The current phase completes; the next never starts.
func (n *Notifier) Emergency() {
	n.state.set(ReasonEmergency)
	n.signal()
}

// Wake is the channel the idle loop sleeps on.
func (n *Notifier) Wake() <-chan struct{} { return n.wake }

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
