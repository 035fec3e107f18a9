package tx

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
)

func TestTranslateTxError(t *testing.T) {
	ctx := context.Background()

	t.Run("deadline maps to timeout sentinel", func(t *testing.T) {
		err := translateTxError(ctx, context.DeadlineExceeded)
		assert.ErrorIs(t, err, sentinel.ErrTimeout)
	})

	t.Run("serialization failure maps to conflict sentinel", func(t *testing.T) {
		pqErr := &pq.Error{Code: "40001", Message: "could not serialize access due to concurrent update"}
		err := translateTxError(ctx, fmt.Errorf("insert record: %w", pqErr))
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("deadlock maps to conflict sentinel", func(t *testing.T) {
		pqErr := &pq.Error{Code: "40P01", Message: "deadlock detected"}
		err := translateTxError(ctx, pqErr)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("other pq errors pass through", func(t *testing.T) {
		pqErr := &pq.Error{Code: "23505", Message: "duplicate key value"}
		err := translateTxError(ctx, pqErr)
		assert.NotErrorIs(t, err, sentinel.ErrConflict)
		assert.NotErrorIs(t, err, sentinel.ErrTimeout)
	})

	t.Run("plain errors pass through", func(t *testing.T) {
		cause := errors.New("disk on fire")
		assert.Equal(t, cause, translateTxError(ctx, cause))
	})
}

func TestMutexRunnerSerializes(t *testing.T) {
	runner := NewMutexRunner()

	var inside bool
	err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
		inside = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, inside)
}

func TestMutexRunnerHonorsDeadline(t *testing.T) {
	runner := NewMutexRunner()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		t.Fatal("unit of work must not run after the deadline")
		return nil
	})
	assert.ErrorIs(t, err, sentinel.ErrTimeout)
}
