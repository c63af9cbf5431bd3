package streamer

import "context"

const mailboxSize = 64

// loop serializes everything that touches attempt state. Other goroutines
// hand work to it with post.
type loop struct {
	mailbox chan func()
	done    chan struct{}
	cause   causeCell
	quit    bool
}

func newLoop() *loop {
	return &loop{
		mailbox: make(chan func(), mailboxSize),
		done:    make(chan struct{}),
	}
}

// post queues fn to run on the loop. Work posted after the loop has finished
// is dropped and post returns false.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.mailbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// restart records c and ends the loop. Only call it on the loop goroutine,
// use requestRestart elsewhere.
func (l *loop) restart(c RestartCause) {
	l.cause.Set(c)
	l.quit = true
}

func (l *loop) requestRestart(c RestartCause) {
	l.post(func() { l.restart(c) })
}

// run processes posted work until a restart is requested or ctx ends.
func (l *loop) run(ctx context.Context) {
	defer close(l.done)

	for !l.quit {
		select {
		case <-ctx.Done():
			l.restart(RestartCause{Kind: CauseStopped, Reason: "stop requested"})
		case fn := <-l.mailbox:
			fn()
		}
	}
}

// finish marks a loop that never ran as done so posters stop queueing.
func (l *loop) finish() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
