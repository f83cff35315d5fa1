package store

import (
	"context"
	"testing"
	"time"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every Store implementation shares.
// Job and tenant ids are random so that implementations backed by a shared
// database do not see each other's rows.
func testStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	newJob := func(t *testing.T, st Store, tenant string) *models.Job {
		t.Helper()
		j := &models.Job{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			Source:    "hubspot_deals",
			Status:    models.StatusPending,
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, st.Create(ctx, j))
		return j
	}

	t.Run("create and get", func(t *testing.T) {
		st := open(t)
		j := newJob(t, st, uuid.NewString())

		got, err := st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, j.ID, got.ID)
		require.Equal(t, j.TenantID, got.TenantID)
		require.Equal(t, "hubspot_deals", got.Source)
		require.Equal(t, models.StatusPending, got.Status)
		require.True(t, j.CreatedAt.Equal(got.CreatedAt))
		require.Nil(t, got.StartedAt)
		require.Nil(t, got.Error)

		require.ErrorIs(t, st.Create(ctx, j), ErrExists)

		_, err = st.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status compare and set", func(t *testing.T) {
		st := open(t)
		j := newJob(t, st, uuid.NewString())

		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{}))
		got, err := st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.HeartbeatAt)
		require.Nil(t, got.CompletedAt)

		err = st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{})
		require.ErrorIs(t, err, etl.ErrAlreadyRunning)

		// The current status is not in from.
		err = st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPaused}, models.StatusCancelled, StatusUpdate{})
		require.ErrorIs(t, err, ErrInvalidTransition)

		jobErr := &models.JobError{Kind: models.KindFatal, Message: "401 unauthorized"}
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, models.StatusFailed, StatusUpdate{Error: jobErr}))
		got, err = st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, jobErr, got.Error)
		require.NotNil(t, got.CompletedAt)

		// Completed is final.
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusFailed}, models.StatusRunning, StatusUpdate{}))
		got, err = st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Nil(t, got.Error)
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, models.StatusCompleted, StatusUpdate{}))
		err = st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusCompleted}, models.StatusRunning, StatusUpdate{})
		require.ErrorIs(t, err, ErrInvalidTransition)

		err = st.UpdateStatus(ctx, uuid.NewString(), []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("illegal edge is rejected", func(t *testing.T) {
		st := open(t)
		j := newJob(t, st, uuid.NewString())

		err := st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPending}, models.StatusCompleted, StatusUpdate{})
		require.ErrorIs(t, err, ErrInvalidTransition)
		got, err := st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("progress is monotonic and only while running", func(t *testing.T) {
		st := open(t)
		j := newJob(t, st, uuid.NewString())

		require.NoError(t, st.UpdateProgress(ctx, j.ID, 10, 1))
		got, err := st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Zero(t, got.TotalRecords)

		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{}))
		require.NoError(t, st.UpdateProgress(ctx, j.ID, 10, 2))
		require.NoError(t, st.UpdateProgress(ctx, j.ID, 4, 1))
		got, err = st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.EqualValues(t, 10, got.TotalRecords)
		require.EqualValues(t, 2, got.FailedRecords)
	})

	t.Run("flags", func(t *testing.T) {
		st := open(t)
		j := newJob(t, st, uuid.NewString())
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{}))

		cancel, err := st.IsCancelRequested(ctx, j.ID)
		require.NoError(t, err)
		require.False(t, cancel)

		require.NoError(t, st.RequestCancel(ctx, j.ID))
		require.NoError(t, st.RequestPause(ctx, j.ID))
		cancel, err = st.IsCancelRequested(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, cancel)
		pause, err := st.IsPauseRequested(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, pause)

		// Entering running again starts from clean flags.
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, models.StatusPaused, StatusUpdate{}))
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPaused}, models.StatusRunning, StatusUpdate{}))
		cancel, err = st.IsCancelRequested(ctx, j.ID)
		require.NoError(t, err)
		require.False(t, cancel)
		pause, err = st.IsPauseRequested(ctx, j.ID)
		require.NoError(t, err)
		require.False(t, pause)

		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, models.StatusCompleted, StatusUpdate{}))
		require.ErrorIs(t, st.RequestCancel(ctx, j.ID), ErrInvalidTransition)

		_, err = st.IsCancelRequested(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("checkpoints", func(t *testing.T) {
		st := open(t)
		j := newJob(t, st, uuid.NewString())

		cp, err := st.LoadCheckpoint(ctx, j.ID)
		require.NoError(t, err)
		require.Nil(t, cp)

		cursor := "c3"
		require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{
			JobID: j.ID, Phase: models.PhaseInterval, Cursor: &cursor, RecordsProcessed: 6, FailedRecords: 2, PageNumber: 2,
			Extra: map[string]any{"source": "hubspot_deals"},
		}))
		require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{
			JobID: j.ID, Phase: models.PhaseCompleted, RecordsProcessed: 7, FailedRecords: 3, PageNumber: 3,
		}))

		cp, err = st.LoadCheckpoint(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, models.PhaseCompleted, cp.Phase)
		require.Nil(t, cp.Cursor)
		require.EqualValues(t, 7, cp.RecordsProcessed)
		require.EqualValues(t, 3, cp.FailedRecords)
		require.Equal(t, 3, cp.PageNumber)

		all, err := st.ListCheckpoints(ctx, j.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, models.PhaseInterval, all[0].Phase)
		require.Equal(t, "c3", all[0].CursorValue())
		require.EqualValues(t, 2, all[0].FailedRecords)
		require.Equal(t, "hubspot_deals", all[0].Extra["source"])
		require.False(t, all[0].CreatedAt.IsZero())
	})

	t.Run("list filters and orders", func(t *testing.T) {
		st := open(t)
		tenant := uuid.NewString()
		base := time.Now().UTC().Truncate(time.Millisecond)
		var ids []string
		for i := range 3 {
			j := &models.Job{
				ID: uuid.NewString(), TenantID: tenant, Source: "hubspot_tickets",
				Status: models.StatusPending, CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, st.Create(ctx, j))
			ids = append(ids, j.ID)
		}
		require.NoError(t, st.UpdateStatus(ctx, ids[1], []models.Status{models.StatusPending}, models.StatusCancelled, StatusUpdate{}))

		list, err := st.List(ctx, ListFilter{TenantID: tenant})
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, ids[0], list[0].ID)

		list, err = st.List(ctx, ListFilter{TenantID: tenant, NewestFirst: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, ids[2], list[0].ID)

		list, err = st.List(ctx, ListFilter{TenantID: tenant, Statuses: []models.Status{models.StatusPending}, Offset: 1})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, ids[2], list[0].ID)
	})

	t.Run("fail stale and cleanup", func(t *testing.T) {
		st := open(t)
		running := newJob(t, st, uuid.NewString())
		pending := newJob(t, st, uuid.NewString())
		require.NoError(t, st.UpdateStatus(ctx, running.ID, []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{}))

		ids, err := st.FailStale(ctx, time.Now().Add(-time.Hour), models.JobError{Kind: models.KindCrashed})
		require.NoError(t, err)
		require.NotContains(t, ids, running.ID)

		ids, err = st.FailStale(ctx, time.Now().Add(time.Hour), models.JobError{Kind: models.KindCrashed, Message: "no heartbeat"})
		require.NoError(t, err)
		require.Contains(t, ids, running.ID)
		require.NotContains(t, ids, pending.ID)

		got, err := st.Get(ctx, running.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, models.KindCrashed, got.Error.Kind)

		require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{JobID: running.ID, Phase: models.PhaseInterval}))
		n, err := st.DeleteTerminalBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, int64(1))

		_, err = st.Get(ctx, running.ID)
		require.ErrorIs(t, err, ErrNotFound)
		cps, err := st.ListCheckpoints(ctx, running.ID)
		require.NoError(t, err)
		require.Empty(t, cps)
		_, err = st.Get(ctx, pending.ID)
		require.NoError(t, err)
	})

	t.Run("resumed job gets a fresh completion time", func(t *testing.T) {
		st := open(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		setClock(st, func() time.Time { return base.Add(-8 * 24 * time.Hour) })
		j := newJob(t, st, uuid.NewString())

		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusPending}, models.StatusRunning, StatusUpdate{}))
		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, models.StatusFailed,
			StatusUpdate{Error: &models.JobError{Kind: models.KindTransient}}))

		setClock(st, func() time.Time { return base })
		require.NoError(t, st.UpdateStatus(ctx, j.ID, models.ResumableFrom, models.StatusRunning, StatusUpdate{}))
		got, err := st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.Nil(t, got.CompletedAt)
		require.WithinDuration(t, base.Add(-8*24*time.Hour), *got.StartedAt, time.Second)

		require.NoError(t, st.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, models.StatusCompleted, StatusUpdate{}))
		got, err = st.Get(ctx, j.ID)
		require.NoError(t, err)
		require.WithinDuration(t, base, *got.CompletedAt, time.Second)

		_, err = st.DeleteTerminalBefore(ctx, base.Add(-7*24*time.Hour))
		require.NoError(t, err)
		_, err = st.Get(ctx, j.ID)
		require.NoError(t, err)
	})
}

func setClock(st Store, now func() time.Time) {
	switch s := st.(type) {
	case *Memory:
		s.now = now
	case *SQLiteStore:
		s.now = now
	case *PostgresStore:
		s.now = now
	}
}
