package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOnlyOnce(t *testing.T) {
	f := New[int]()

	require.True(t, f.Resolve(1, nil))
	assert.False(t, f.Resolve(2, errors.New("late")))

	v, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPeekBeforeAndAfter(t *testing.T) {
	f := New[string]()
	_, _, ok := f.Peek()
	assert.False(t, ok)

	f.Resolve("x", nil)
	v, err, ok := f.Peek()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestAwaitHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThen(t *testing.T) {
	boom := errors.New("boom")
	f := New[int]()
	g := Then(f, func(v int, err error) (string, error) {
		if err != nil {
			return "", err
		}
		return "ok", nil
	})
	f.Resolve(0, boom)

	_, err := g.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestFailed(t *testing.T) {
	boom := errors.New("boom")
	_, err := Failed[struct{}](boom).Wait()
	assert.ErrorIs(t, err, boom)
}
