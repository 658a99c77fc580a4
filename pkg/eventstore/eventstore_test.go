package eventstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/lending/internal/pgtest"
	"github.com/libranexus/lending/pkg/eventstore"
)

type loanOpened struct {
	LoanID string `json:"loan_id"`
}

func event(t *testing.T, i int) eventstore.Event {
	t.Helper()
	e, err := eventstore.NewEvent("LoanOpened", loanOpened{LoanID: fmt.Sprint(i)}, map[string]interface{}{"seq": i})
	require.NoError(t, err)
	return e
}

func TestAppendAndLoad(t *testing.T) {
	_, db := pgtest.Start(t)
	store := eventstore.NewEventStore(db)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.AppendEvents(ctx, id, "loan", 0, []eventstore.Event{event(t, 1), event(t, 2)}))
	require.NoError(t, store.AppendEvents(ctx, id, "loan", 2, []eventstore.Event{event(t, 3)}))

	version, err := store.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	events, err := store.LoadEvents(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
		assert.Equal(t, "loan", e.AggregateType)
		assert.EqualValues(t, i+1, e.Metadata["seq"])
	}
	assert.JSONEq(t, `{"loan_id":"2"}`, string(events[1].EventData))

	ranged, err := store.LoadEvents(ctx, id, 2, 2)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, 2, ranged[0].Version)
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	_, db := pgtest.Start(t)
	store := eventstore.NewEventStore(db)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.AppendEvents(ctx, id, "loan", 0, []eventstore.Event{event(t, 1)}))

	err := store.AppendEvents(ctx, id, "loan", 0, []eventstore.Event{event(t, 2)})
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	err = store.AppendEvents(ctx, id, "loan", -1, []eventstore.Event{event(t, 2)})
	assert.ErrorIs(t, err, eventstore.ErrInvalidVersion)
}

func TestAppendJoinsCallerTransaction(t *testing.T) {
	_, db := pgtest.Start(t)
	store := eventstore.NewEventStore(db)
	ctx := context.Background()
	id := uuid.New()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, tx, id, "loan", 0, []eventstore.Event{event(t, 1)}))
	require.NoError(t, tx.Rollback())

	version, err := store.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, version)
}
