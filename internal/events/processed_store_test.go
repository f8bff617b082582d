package events

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newProcessedStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM2").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(context.Background(), "twilio", "SM2")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM2").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = store.MarkProcessed(context.Background(), "twilio", "SM2")
	require.NoError(t, err)
	assert.False(t, ok, "second delivery is a duplicate")

	mock.ExpectExec("DELETE FROM processed_events").WithArgs("twilio", "SM2").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.Release(context.Background(), "twilio", "SM2"))

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("api", "x").WillReturnError(errors.New("conn reset"))
	_, err = store.MarkProcessed(context.Background(), "api", "x")
	assert.ErrorContains(t, err, "events: mark processed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryProcessedStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessedStore()

	ok, err := s.MarkProcessed(ctx, "twilio", "SM1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.MarkProcessed(ctx, "twilio", "SM1")
	assert.False(t, ok)

	ok, _ = s.MarkProcessed(ctx, "api", "SM1")
	assert.True(t, ok, "ids are scoped per provider")

	require.NoError(t, s.Release(ctx, "twilio", "SM1"))
	ok, _ = s.MarkProcessed(ctx, "twilio", "SM1")
	assert.True(t, ok)
}
