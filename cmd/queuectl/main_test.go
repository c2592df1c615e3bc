package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/models"
	"genqueue/internal/store"
	"genqueue/internal/store/sqlite"
)

func setupSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queuectl.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("WEBHOOK_SECRET", "whsec_cli")
	return path
}

func seed(t *testing.T, path string, fn func(ctx context.Context, st *sqlite.Store)) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	defer st.Close()
	fn(context.Background(), st)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	path := setupSQLite(t)
	var id string
	seed(t, path, func(ctx context.Context, st *sqlite.Store) {
		job, err := st.Enqueue(ctx, store.EnqueueParams{JobType: "debug.simulate", OwnerID: "ops", Priority: 3, Parameters: json.RawMessage(`{}`)})
		require.NoError(t, err)
		id = job.ID
	})

	out, err := execute(t, "jobs", "get", id)
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, models.StatusQueued, job.Status)

	out, err = execute(t, "jobs", "cancel", id, "--reason", "bad input")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "cancelled: bad input", *job.ErrorMessage)

	out, err = execute(t, "jobs", "requeue", id)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, 2, job.Attempt)

	_, err = execute(t, "jobs", "requeue", id)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = execute(t, "jobs", "get", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventsCommands(t *testing.T) {
	path := setupSQLite(t)
	seed(t, path, func(ctx context.Context, st *sqlite.Store) {
		raw := json.RawMessage(`{"id":"evt_cli","type":"charge.refunded","created":1700000000}`)
		_, _, err := st.RecordIfNew(ctx, "evt_cli", "charge.refunded", raw)
		require.NoError(t, err)
		_, err = st.MarkProcessing(ctx, "evt_cli")
		require.NoError(t, err)
		orphan := json.RawMessage(`{"id":"evt_orphan","type":"charge.refunded","created":1700000000}`)
		_, _, err = st.RecordIfNew(ctx, "evt_orphan", "charge.refunded", orphan)
		require.NoError(t, err)
	})

	out, err := execute(t, "events", "sweep", "--older-than", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, "failed 1 stale events, redrove 1")

	out, err = execute(t, "events", "list", "--status", "processed")
	require.NoError(t, err)
	assert.Contains(t, out, "evt_orphan")

	out, err = execute(t, "events", "list", "--status", "failed")
	require.NoError(t, err)
	var recs []models.EventRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "evt_cli", recs[0].EventID)

	out, err = execute(t, "events", "redrive", "evt_cli")
	require.NoError(t, err)
	assert.Contains(t, out, "evt_cli processed")

	_, err = execute(t, "events", "redrive", "evt_cli")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestMigrateNonPostgres(t *testing.T) {
	setupSQLite(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema ready")
}
