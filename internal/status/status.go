// Package status holds the single advisory message shown to an evaluator,
// replacing it on every Show and clearing it when its ttl expires.
package status

import (
	"sync"
	"time"
)

// Kind is the severity of a message.
type Kind int

const (
	Info Kind = iota
	Success
	Error
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Error:
		return "error"
	}
	return "info"
}

const (
	DefaultTTL = 3 * time.Second
	ErrorTTL   = 5 * time.Second
)

// Message is the current status line. Seq increases with every Show.
type Message struct {
	Text    string
	Kind    Kind
	Seq     uint64
	ShownAt time.Time
}

// Timer is a pending expiry.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests substitute a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

func WithScheduler(s Scheduler) Option {
	return func(b *Broadcaster) { b.sched = s }
}

// WithTTL sets the default ttl for Info and Success messages.
func WithTTL(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// Broadcaster owns one message at a time. A new Show stops the previous
// expiry; an expiry that fires late still only clears the message it was
// scheduled for.
type Broadcaster struct {
	sched Scheduler
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	cur       *Message
	seq       uint64
	timer     Timer
	listeners map[int]chan struct{}
	nextID    int
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sched:     realScheduler{},
		ttl:       DefaultTTL,
		now:       time.Now,
		listeners: map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Show replaces the current message. ttl <= 0 picks the default for kind.
func (b *Broadcaster) Show(text string, kind Kind, ttl time.Duration) uint64 {
	if ttl <= 0 {
		ttl = b.ttl
		if kind == Error {
			ttl = ErrorTTL
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.cur = &Message{Text: text, Kind: kind, Seq: seq, ShownAt: b.now()}
	b.timer = b.sched.AfterFunc(ttl, func() { b.expire(seq) })
	b.notify()
	return seq
}

func (b *Broadcaster) Info(text string) uint64    { return b.Show(text, Info, 0) }
func (b *Broadcaster) Success(text string) uint64 { return b.Show(text, Success, 0) }
func (b *Broadcaster) Error(text string) uint64   { return b.Show(text, Error, 0) }

// Current returns the live message, if any.
func (b *Broadcaster) Current() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return Message{}, false
	}
	return *b.cur, true
}

// Clear removes the current message and cancels its expiry.
func (b *Broadcaster) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.cur != nil {
		b.cur = nil
		b.notify()
	}
}

func (b *Broadcaster) expire(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil || b.cur.Seq != seq {
		return
	}
	b.cur = nil
	b.timer = nil
	b.notify()
}

// Changes signals every change of the current message. Signals coalesce;
// read the state with Current. The returned func unsubscribes.
func (b *Broadcaster) Changes() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			close(ch)
		})
	}
}

func (b *Broadcaster) notify() {
	for _, ch := range b.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
