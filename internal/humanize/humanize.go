// Package humanize provides the randomized delay primitives that keep
// automated interaction patterns inside the statistical envelope of a
// human visitor. Nothing here sleeps for a fixed constant: every pause is
// drawn from a range and then jittered again.
package humanize

import (
	"context"
	"math/rand"
	"time"
)

// Span is a [Min, Max] delay band. Policy objects carry Spans so tests can
// inject near-zero bands.
type Span struct {
	Min time.Duration
	Max time.Duration
}

// Policy groups the interaction bands used by one attempt.
type Policy struct {
	PageDwell   Span // settling on a freshly loaded page
	PreClick    Span // pointer hesitation before a click
	Typing      Span // per-character keystroke gap
	MicroAction Span // scrolls, hovers, focus changes
}

// DefaultPolicy approximates an unhurried human browsing a signup portal.
func DefaultPolicy() Policy {
	return Policy{
		PageDwell:   Span{1500 * time.Millisecond, 4 * time.Second},
		PreClick:    Span{300 * time.Millisecond, 900 * time.Millisecond},
		Typing:      Span{60 * time.Millisecond, 180 * time.Millisecond},
		MicroAction: Span{150 * time.Millisecond, 500 * time.Millisecond},
	}
}

// TestPolicy keeps every band near zero so tests run fast.
func TestPolicy() Policy {
	z := Span{time.Microsecond, 2 * time.Microsecond}
	return Policy{PageDwell: z, PreClick: z, Typing: z, MicroAction: z}
}

// Duration draws a value from the span and adds up to ±10% jitter, so even
// repeated draws from the same band never repeat a recognizable constant.
func (s Span) Duration() time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	base := s.Min + time.Duration(rand.Int63n(int64(s.Max-s.Min)))
	jitter := time.Duration(float64(base) * (rand.Float64()*0.2 - 0.1))
	d := base + jitter
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep pauses for one draw from the span, returning early if the context
// is cancelled.
func (s Span) Sleep(ctx context.Context) error {
	return sleep(ctx, s.Duration())
}

// SleepUntil blocks until the given instant, waking early on context
// cancellation. A time already past returns immediately.
func SleepUntil(ctx context.Context, t time.Time) error {
	return sleep(ctx, time.Until(t))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PointerPath generates intermediate coordinates for a pointer glide from
// (x0,y0) to (x1,y1), with per-step wobble so the trace is never a straight
// line. Step count scales loosely with distance.
func PointerPath(x0, y0, x1, y1 float64) [][2]float64 {
	dx, dy := x1-x0, y1-y0
	dist := dx*dx + dy*dy
	steps := 4 + rand.Intn(4)
	if dist > 250*250 {
		steps += 4
	}
	path := make([][2]float64, 0, steps)
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		wx := (rand.Float64() - 0.5) * 6
		wy := (rand.Float64() - 0.5) * 6
		if i == steps {
			wx, wy = 0, 0
		}
		path = append(path, [2]float64{x0 + dx*f + wx, y0 + dy*f + wy})
	}
	return path
}
