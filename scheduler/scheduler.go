package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Scheduler controls the rate of batches. Next returns the offset from the
// start of the run at which batch n is due, and false once the run is over.
type Scheduler interface {
	Next(n int64) (wait time.Duration, ok bool)
}

type CountLimiter struct {
	s     Scheduler
	limit int64
}

func NewCountLimiter(s Scheduler, limit int64) CountLimiter {
	return CountLimiter{s, limit}
}

func (cl CountLimiter) Next(n int64) (time.Duration, bool) {
	if n >= cl.limit {
		return 0, false
	}
	return cl.s.Next(n)
}

// DurationLimiter ends a schedule once batches fall due after d.
type DurationLimiter struct {
	s Scheduler
	d time.Duration
}

func NewDurationLimiter(s Scheduler, d time.Duration) DurationLimiter {
	return DurationLimiter{s, d}
}

func (dl DurationLimiter) Next(n int64) (time.Duration, bool) {
	wait, ok := dl.s.Next(n)
	if !ok || wait > dl.d {
		return 0, false
	}
	return wait, true
}

// A Constant sends freq batches per second.
type Constant struct {
	interval time.Duration
}

func NewConstant(freq uint64) (Constant, error) {
	if freq == 0 {
		return Constant{}, fmt.Errorf("freq must be positive")
	}
	return Constant{time.Second / time.Duration(freq)}, nil
}

func (cp Constant) Next(n int64) (time.Duration, bool) {
	return time.Duration(n) * cp.interval, true
}

// Unlimited sends batches as fast as the connection accepts them.
type Unlimited struct{}

func (Unlimited) Next(int64) (time.Duration, bool) {
	return 0, true
}

// Line ramps the rate linearly from one rate to another over d.
type Line struct {
	b          float64
	twoA       float64
	bSquare    float64
	bilionDivA float64
}

func NewLine(from, to float64, d time.Duration) (Line, error) {
	if d <= 0 || from == to {
		return Line{}, fmt.Errorf("line needs a positive duration and distinct rates")
	}
	a := (to - from) / d.Seconds()
	return Line{
		b:          from,
		twoA:       2 * a,
		bSquare:    from * from,
		bilionDivA: 1e9 / a,
	}, nil
}

func (cp Line) Next(n int64) (time.Duration, bool) {
	return time.Duration((math.Sqrt(cp.twoA*float64(n)+cp.bSquare) - cp.b) * cp.bilionDivA), true
}

// Pacer releases batches on a schedule measured from its creation.
type Pacer struct {
	s     Scheduler
	start time.Time
	n     int64
}

func NewPacer(s Scheduler) *Pacer {
	return &Pacer{s: s, start: time.Now()}
}

// Wait blocks until the next batch is due. It returns false when the
// schedule is over or ctx is done.
func (p *Pacer) Wait(ctx context.Context) (bool, error) {
	wait, ok := p.s.Next(p.n)
	if !ok {
		return false, nil
	}
	p.n++

	d := time.Until(p.start.Add(wait))
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Released is the number of batches let through so far.
func (p *Pacer) Released() int64 { return p.n }
