package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancellerIdempotent(t *testing.T) {
	c := NewCanceller()
	assert.False(t, c.Cancelled())

	c.Cancel()
	c.Cancel()

	assert.True(t, c.Cancelled())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestCancellerBind(t *testing.T) {
	c := NewCanceller()
	ctx, release := c.Bind(context.Background())
	defer release()

	c.Cancel()

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bound context not cancelled")
	}
}

func TestCancellerBindRelease(t *testing.T) {
	c := NewCanceller()
	ctx, release := c.Bind(context.Background())
	release()

	<-ctx.Done()
	assert.False(t, c.Cancelled(), "releasing the binding must not cancel")
}
