package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler receives the value recovered from a panicking goroutine
// together with its stack.
type PanicHandler func(name string, recovered any, stack []byte)

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "worker-42", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoRecover is Go with panics in fn recovered and passed to onPanic instead
// of crashing the process.
func GoRecover(parentCtx context.Context, name string, fn func(ctx context.Context), onPanic PanicHandler) {
	Go(parentCtx, name, func(ctx context.Context) {
		_ = Protect(name, func() { fn(ctx) }, onPanic)
	})
}

// Protect runs fn on the calling goroutine and converts a panic into an
// error. onPanic, when set, is called before Protect returns.
func Protect(name string, fn func(), onPanic PanicHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if onPanic != nil {
				onPanic(name, r, stack)
			}
			err = &PanicError{Name: name, Value: r}
		}
	}()
	fn()
	return nil
}

// PanicError is a recovered panic.
type PanicError struct {
	Name  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
