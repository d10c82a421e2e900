package task

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccess(t *testing.T) {
	t.Parallel()

	tk := Spawn(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, tk.Await(context.Background()))
	assert.Equal(t, Success, tk.Status())
	assert.NoError(t, tk.Err())
}

func TestFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tk := Spawn(context.Background(), func(ctx context.Context) error {
		return boom
	})
	err := tk.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failure, tk.Status())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	tk := Spawn(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	assert.True(t, tk.Cancel())
	<-tk.Done()
	assert.Equal(t, Cancelled, tk.Status())

	// a second cancel finds the task already finished
	assert.False(t, tk.Cancel())
}
