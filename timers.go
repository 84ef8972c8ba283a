package jshost

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// timerOwner records which context registered a timer. Callbacks live in
// that context's prelude; Go only tracks scheduling.
type timerOwner struct {
	c        *Context
	interval bool
}

// setTimer backs the guest's setTimeout and setInterval.
func (c *Context) setTimer(delayMs int, interval bool) int {
	id := c.rt.loop.RegisterTimer(time.Duration(delayMs)*time.Millisecond, interval)
	c.rt.mu.Lock()
	c.rt.timers[id] = timerOwner{c: c, interval: interval}
	c.rt.mu.Unlock()
	c.rt.loop.Notify()
	return id
}

// clearTimer backs clearTimeout and clearInterval.
func (c *Context) clearTimer(id int) {
	c.rt.loop.ClearTimer(id)
	c.rt.mu.Lock()
	delete(c.rt.timers, id)
	c.rt.mu.Unlock()
}

// fireTimer runs the guest callback of timer id. An exception thrown by the
// callback is returned as a *GuestError.
func (c *Context) fireTimer(ctx context.Context, id int) error {
	if !c.Alive() {
		return nil
	}
	res, err := c.runResult(ctx, "timer", opExpr("fire", refArg(uint32(id))))
	if err != nil {
		return err
	}
	if res.Err != nil {
		_, err := c.Unwrap(res)
		return err
	}
	res.Dispose()
	return nil
}

func (c *Context) runMicrotasks(ctx context.Context) int {
	if err := c.enter("Runtime.ExecutePendingJobs"); err != nil {
		return 0
	}
	defer c.leave()
	end := c.rt.beginEval(ctx, c)
	n := c.realm.RunMicrotasks()
	end()
	return n
}

// consoleLog receives the guest's console output.
func (c *Context) consoleLog(level, msg string) {
	switch level {
	case "error":
		c.log.Error(msg, zap.String("source", "console"))
	case "warn":
		c.log.Warn(msg, zap.String("source", "console"))
	case "debug":
		c.log.Debug(msg, zap.String("source", "console"))
	default:
		c.log.Info(msg, zap.String("source", "console"))
	}
}
