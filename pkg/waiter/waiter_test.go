package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForImmediateSuccess(t *testing.T) {
	w := NewWaiter(time.Second, time.Millisecond)
	err := w.WaitFor(context.Background(), func(context.Context) (bool, error) {
		return true, nil
	}, "instant")
	assert.NoError(t, err)
}

func TestWaitForEventualSuccess(t *testing.T) {
	w := NewWaiter(time.Second, time.Millisecond)

	calls := 0
	err := w.WaitFor(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	}, "third time")
	assert.NoError(t, err)
}

func TestWaitForTimeout(t *testing.T) {
	w := NewWaiter(30*time.Millisecond, time.Millisecond)
	err := w.WaitFor(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	}, "never")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "never")
}

// Condition errors are transient: the poll keeps going and the last error
// surfaces in the timeout message
func TestWaitForToleratesTransientErrors(t *testing.T) {
	w := NewWaiter(time.Second, time.Millisecond)

	calls := 0
	err := w.WaitFor(context.Background(), func(context.Context) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("flaky read")
		}
		return true, nil
	}, "after errors")
	assert.NoError(t, err)
}

func TestWaitForReportsLastError(t *testing.T) {
	w := NewWaiter(30*time.Millisecond, time.Millisecond)
	err := w.WaitFor(context.Background(), func(context.Context) (bool, error) {
		return false, errors.New("api unreachable")
	}, "doomed")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "api unreachable")
}
