package relay

import "sync"

// Lifeline is a one-shot process-wide shutdown trigger. Any session may
// fire it; main treats it like a termination signal.
type Lifeline struct {
	once sync.Once
	ch   chan struct{}
}

func NewLifeline() *Lifeline {
	return &Lifeline{ch: make(chan struct{})}
}

// Fire requests shutdown. Safe to call from any goroutine, any number
// of times.
func (l *Lifeline) Fire() {
	l.once.Do(func() { close(l.ch) })
}

// Done is closed once Fire has been called.
func (l *Lifeline) Done() <-chan struct{} {
	return l.ch
}
