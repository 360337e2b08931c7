package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func init() {
	Register("sleep", Sleep)
	Register("echo", Echo)
	Register("fail", Fail)
}

// Sleep waits for args[0] seconds (fractions allowed) or until ctx is done.
func Sleep(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("sleep: duration in seconds required")
	}
	seconds, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("sleep: parse duration %q: %w", args[0], err)
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return seconds, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Echo returns its arguments joined by spaces.
func Echo(_ context.Context, args []string) (any, error) {
	return strings.Join(args, " "), nil
}

// Fail always returns an error carrying its arguments.
func Fail(_ context.Context, args []string) (any, error) {
	msg := strings.Join(args, " ")
	if msg == "" {
		msg = "task failed"
	}
	return nil, errors.New(msg)
}
