package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDueTimers_Order(t *testing.T) {
	el := New()
	late := el.RegisterTimer(5*time.Millisecond, false)
	early := el.RegisterTimer(0, false)
	tie := el.RegisterTimer(0, false)
	time.Sleep(10 * time.Millisecond)

	var fired []int
	n := el.RunDueTimers(func(id int) { fired = append(fired, id) })
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{early, tie, late}, fired)
	assert.False(t, el.HasPending())
}

func TestRunDueTimers_NotYetDue(t *testing.T) {
	el := New()
	el.RegisterTimer(time.Hour, false)

	n := el.RunDueTimers(func(int) { t.Fatal("timer fired early") })
	assert.Zero(t, n)
	assert.True(t, el.HasPending())
}

func TestClearTimer(t *testing.T) {
	el := New()
	a := el.RegisterTimer(0, false)
	b := el.RegisterTimer(0, false)
	el.ClearTimer(a)
	el.ClearTimer(12345)

	var fired []int
	el.RunDueTimers(func(id int) { fired = append(fired, id) })
	assert.Equal(t, []int{b}, fired)
}

func TestClearTimer_FromCallback(t *testing.T) {
	el := New()
	a := el.RegisterTimer(0, false)
	b := el.RegisterTimer(0, false)

	var fired []int
	el.RunDueTimers(func(id int) {
		fired = append(fired, id)
		if id == a {
			el.ClearTimer(b)
		}
	})
	assert.Equal(t, []int{a}, fired)
}

func TestInterval_RescheduledWithMinimum(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, true)

	start := time.Now()
	assert.Equal(t, 1, el.RunDueTimers(func(int) {}))
	assert.True(t, el.HasPending())

	next, ok := el.NextDeadline()
	require.True(t, ok)
	assert.GreaterOrEqual(t, next.Sub(start), 10*time.Millisecond)

	el.ClearTimer(id)
	_, ok = el.NextDeadline()
	assert.False(t, ok)
}

func TestDrainPending(t *testing.T) {
	el := New()
	done := make(chan Outcome, 1)
	waiting := make(chan Outcome, 1)
	el.AddPending(&Pending{ResultCh: done, Target: "done"})
	el.AddPending(&Pending{ResultCh: waiting, Target: "waiting"})
	done <- Outcome{Value: 42}

	var settled []any
	ok := el.DrainPending(func(p *Pending, o Outcome) {
		settled = append(settled, p.Target, o.Value)
		el.AddPending(&Pending{ResultCh: make(chan Outcome), Target: "added"})
	})
	assert.True(t, ok)
	assert.Equal(t, []any{"done", 42}, settled)
	assert.True(t, el.HasPending())

	assert.False(t, el.DrainPending(func(*Pending, Outcome) { t.Fatal("nothing is ready") }))
}

func TestWait_WakesOnNotify(t *testing.T) {
	el := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		el.Notify()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, el.Wait(ctx))
}

func TestWait_WakesOnTimer(t *testing.T) {
	el := New()
	el.RegisterTimer(5*time.Millisecond, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, el.Wait(ctx))
}

func TestWait_ContextDone(t *testing.T) {
	el := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, el.Wait(ctx), context.Canceled)
}

func TestReset(t *testing.T) {
	el := New()
	el.RegisterTimer(time.Hour, true)
	el.AddPending(&Pending{ResultCh: make(chan Outcome)})
	require.True(t, el.HasPending())

	el.Reset()
	assert.False(t, el.HasPending())
	assert.Equal(t, 1, el.RegisterTimer(0, false))
}
