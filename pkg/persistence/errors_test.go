package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/ingest/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityError(t *testing.T) {
	err := NewEntityError("FindByID", "run", "run-1", ErrRunNotFound)

	assert.Equal(t, "FindByID operation failed for run run-1: run not found", err.Error())
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsInvalidTransition(err))
}

func TestEntityError_TransitionError(t *testing.T) {
	cause := models.CheckRunTransition("run-1", models.RunStateProcessed, models.RunStateError)
	err := NewEntityError("MarkError", "run", "run-1", cause)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, IsInvalidTransition(err))
	assert.False(t, IsNotFound(err))

	var te *models.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "processed", te.From)
}

func TestIsNotFound_OtherErrors(t *testing.T) {
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsNotFound(ErrMicroserviceNotFound))
}

func TestProcessPaginated(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	calls := 0

	load := func(_ context.Context, page, perPage int) ([]int, error) {
		calls++

		start := Offset(page, perPage)
		if start >= len(items) {
			return nil, nil
		}

		return items[start:min(start+perPage, len(items))], nil
	}

	var seen []int

	err := ProcessPaginated(context.Background(), 3, load, func(_ context.Context, item int) error {
		seen = append(seen, item)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, items, seen)
	assert.Equal(t, 3, calls)
}

func TestProcessPaginated_ExactMultipleLoadsEmptyPage(t *testing.T) {
	calls := 0
	load := func(_ context.Context, page, _ int) ([]string, error) {
		calls++
		if page == 1 {
			return []string{"a", "b"}, nil
		}

		return nil, nil
	}

	err := ProcessPaginated(context.Background(), 2, load, func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestProcessPaginated_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	load := func(context.Context, int, int) ([]int, error) { return []int{1, 2}, nil }

	err := ProcessPaginated(context.Background(), 2, load, func(_ context.Context, i int) error {
		if i == 2 {
			return boom
		}

		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestOffset(t *testing.T) {
	assert.Equal(t, 0, Offset(1, 10))
	assert.Equal(t, 20, Offset(3, 10))
	assert.Equal(t, 0, Offset(0, 10))
}
