package groutine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoSetsName(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker-7", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case n := <-names:
		assert.Equal(t, "worker-7", n)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	assert.Empty(t, GetName(context.Background()))
}

func TestProtectRecoversPanic(t *testing.T) {
	var gotName string
	var gotValue any
	err := Protect("decode", func() { panic("boom") }, func(name string, r any, stack []byte) {
		gotName, gotValue = name, r
		assert.NotEmpty(t, stack)
	})

	require.Error(t, err)
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "decode", pe.Name)
	assert.Equal(t, "boom", gotValue)
	assert.Equal(t, "decode", gotName)
	assert.Contains(t, err.Error(), "panic in decode: boom")

	assert.NoError(t, Protect("calm", func() {}, nil))
}

func TestGoRecoverKeepsProcessAlive(t *testing.T) {
	recovered := make(chan any, 1)
	GoRecover(context.Background(), "handler", func(context.Context) {
		panic(errors.New("handler failed"))
	}, func(_ string, r any, _ []byte) {
		recovered <- r
	})

	select {
	case r := <-recovered:
		assert.EqualError(t, r.(error), "handler failed")
	case <-time.After(time.Second):
		t.Fatal("panic was not recovered")
	}
}
