// Package wallclock provides a ticker aligned to wall-clock boundaries
// (e.g. every 100ms on the second, not every 100ms from process start),
// with drift correction so sustained skew between the monotonic timer
// and the wall clock doesn't accumulate.
package wallclock

import "time"

// logInterval defines how often OnSkippedTicks is invoked with a
// nonzero count, when ticks are being dropped.
const logInterval = 30 * time.Second

// Ticker emits wall-clock-aligned ticks on C, correcting for skew
// between the monotonic timer it schedules with and the wall clock it
// aligns to.
type Ticker struct {
	C <-chan time.Time

	align  time.Duration
	offset time.Duration
	stop   chan struct{}
	c      chan time.Time
	skew   float64
	d      time.Duration
	last   time.Time

	dropTicks      bool
	skippedTicks   int64
	lastLogTime    time.Time
	OnTick         func(skew float64, delay time.Duration)
	OnSkippedTicks func(count int64, window time.Duration)
}

// New starts a Ticker that fires every align, phase-aligned to offset
// within the wall-clock period (e.g. align=100ms, offset=0 ticks at
// :00, :100ms, :200ms, ...). When dropTicks is true a slow consumer
// causes ticks to be dropped rather than delivered late; otherwise the
// ticker blocks until the consumer receives.
func New(align, offset time.Duration, dropTicks bool) *Ticker {
	now := time.Now()
	w := &Ticker{
		align:       align,
		offset:      offset,
		stop:        make(chan struct{}),
		c:           make(chan time.Time, 1),
		skew:        1.0,
		lastLogTime: now,
		dropTicks:   dropTicks,
	}
	w.C = w.c
	w.start()
	return w
}

func (w *Ticker) start() {
	now := time.Now()
	d := time.Until(now.Add(-w.offset).Add(w.align * 4 / 3).Truncate(w.align).Add(w.offset))
	d = time.Duration(float64(d) / w.skew)
	w.d = d
	w.last = now

	if w.OnTick != nil {
		w.OnTick(w.skew, d)
	}

	time.AfterFunc(d, w.tick)
}

func (w *Ticker) tick() {
	const alpha = 0.7
	now := time.Now()
	if now.After(w.last) {
		w.skew = w.skew*alpha + (float64(now.Sub(w.last))/float64(w.d))*(1-alpha)

		if w.dropTicks {
			select {
			case <-w.stop:
				return
			case w.c <- now:
			default:
				w.skippedTicks++
				if now.Sub(w.lastLogTime) >= logInterval {
					if w.skippedTicks > 0 && w.OnSkippedTicks != nil {
						w.OnSkippedTicks(w.skippedTicks, logInterval)
					}
					w.skippedTicks = 0
					w.lastLogTime = now
				}
			}
		} else {
			select {
			case <-w.stop:
				return
			case w.c <- now:
			}
		}
	}
	w.start()
}

// Stop halts the ticker. It is not idempotent: a second call panics on
// closing an already-closed channel.
func (w *Ticker) Stop() {
	close(w.stop)
}
