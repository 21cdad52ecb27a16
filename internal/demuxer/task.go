package demuxer

import "sync"

type taskState int

const (
	taskStopped taskState = iota
	taskPaused
	taskStarted
)

// task runs the pull loop on its own goroutine. Iterations run under the
// stream lock; between iterations the goroutine parks on wake while paused
// and exits once stopped.
type task struct {
	mu      sync.Mutex
	state   taskState
	running bool
	wake    chan struct{}
	done    chan struct{}
}

func newTask() *task {
	return &task{wake: make(chan struct{}, 1)}
}

func (t *task) get() taskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *task) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// start launches the goroutine, or restarts a paused one.
func (t *task) start(lock sync.Locker, iterate func()) {
	t.mu.Lock()
	t.state = taskStarted
	if t.running {
		t.mu.Unlock()
		t.signal()
		return
	}
	t.running = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()
	go t.run(lock, iterate, done)
}

// pause parks a started task after its current iteration.
func (t *task) pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == taskStarted {
		t.state = taskPaused
	}
}

// resume restarts a paused task. A stopped task stays stopped.
func (t *task) resume() {
	t.mu.Lock()
	if t.state != taskPaused {
		t.mu.Unlock()
		return
	}
	t.state = taskStarted
	t.mu.Unlock()
	t.signal()
}

func (t *task) stop() {
	t.mu.Lock()
	t.state = taskStopped
	t.mu.Unlock()
	t.signal()
}

// join waits for the goroutine to exit.
func (t *task) join() {
	t.mu.Lock()
	done, running := t.done, t.running
	t.mu.Unlock()
	if running {
		<-done
	}
}

func (t *task) run(lock sync.Locker, iterate func(), done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(done)
	}()
	for {
		switch t.get() {
		case taskStopped:
			return
		case taskPaused:
			<-t.wake
			continue
		}
		lock.Lock()
		if t.get() == taskStarted {
			iterate()
		}
		lock.Unlock()
	}
}
