package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness_OneShot(t *testing.T) {
	r := NewReadiness()
	assert.False(t, r.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	r.fire()
	r.fire()
	assert.True(t, r.Ready())
	require.NoError(t, r.Wait(context.Background()))

	select {
	case <-r.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
