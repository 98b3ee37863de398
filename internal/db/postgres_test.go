package db_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/db/dbtest"
)

func TestPostgresCopyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewPostgres(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := dbtest.CreateUser(t, store, 1, "rob", created)
	dbtest.AddFeedback(t, store, id, "d23f4719-9212-49f0-ad08-ddbfbfc50d6f", 1, created)

	columns := []string{"id", "user_id", "recording_msid", "recording_mbid", "score", "created"}
	var feedback bytes.Buffer
	n, err := store.CopyOut(ctx, "recording_feedback", columns, nil, &feedback)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, feedback.String(), `\N`)

	userColumns := []string{"id", "created", "musicbrainz_id", "musicbrainz_row_id"}
	var users bytes.Buffer
	_, err = store.CopyOut(ctx, "user", userColumns, &db.Filter{Column: "created", After: created.Add(-time.Second)}, &users)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(users.String(), "\n"))

	require.NoError(t, db.ResetSchema(ctx, store))
	err = store.Load(ctx, func(ctx context.Context, l db.Loader) error {
		if _, err := l.CopyIn(ctx, "user", userColumns, bytes.NewReader(users.Bytes())); err != nil {
			return err
		}
		if _, err := l.CopyIn(ctx, "recording_feedback", columns, bytes.NewReader(feedback.Bytes())); err != nil {
			return err
		}
		if err := l.AdvanceSequence(ctx, "user", "id"); err != nil {
			return err
		}
		return l.AdvanceSequence(ctx, "recording_feedback", "id")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dbtest.Count(t, store, "recording_feedback"))

	next := dbtest.CreateUser(t, store, 2, "vnskprk", created)
	assert.Greater(t, next, id)
}
