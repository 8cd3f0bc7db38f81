package automation

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

const maxStackLog = 2048

// RunInBackground runs a named task without blocking the caller, racing it
// against the configured timeout. Whichever settles first wins the log line;
// a late task keeps running, only the wait stops. Errors and panics are
// logged, never re-raised.
func (e *Engine) RunInBackground(name string, fn func(ctx context.Context) error) {
	timeout := e.cfg.BackgroundTaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	go func() {
		done := make(chan error, 1)

		go func() {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					if len(stack) > maxStackLog {
						stack = stack[:maxStackLog]
					}
					done <- fmt.Errorf("panic: %v\n%s", r, stack)
				}
			}()
			done <- fn(context.Background())
		}()

		select {
		case err := <-done:
			if err != nil {
				e.logger.Error("Background task failed", "task", name, "error", err)
			} else {
				e.logger.Debug("Background task finished", "task", name)
			}
		case <-time.After(timeout):
			e.logger.Warn("Background task timed out", "task", name, "timeout", timeout.String())
		}
	}()
}
