package dedup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

type record struct {
	status    string
	attempts  int
	reason    string
	updatedAt time.Time
}

// memDB mimics the statements the store issues against Postgres.
type memDB struct {
	rows map[string]*record
}

func newMemDB() *memDB { return &memDB{rows: map[string]*record{}} }

func (m *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO converted_files"):
		id := args[0].(string)
		if _, ok := m.rows[id]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		m.rows[id] = &record{status: "in_flight", attempts: 1, updatedAt: time.Now()}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "SET status = $2"):
		id := args[0].(string)
		if r, ok := m.rows[id]; ok {
			r.status = args[1].(string)
			r.reason = args[2].(string)
			r.updatedAt = time.Now()
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	case strings.Contains(sql, "SET status = 'pending'"):
		id := args[0].(string)
		if r, ok := m.rows[id]; ok && r.status == "in_flight" {
			r.status = "pending"
			r.updatedAt = time.Now()
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	default:
		return pgconn.NewCommandTag("SELECT 1"), nil
	}
}

type memRow struct {
	status string
	err    error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.status
	return nil
}

func (m *memDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	id := args[0].(string)
	r, ok := m.rows[id]
	if !ok {
		return memRow{err: pgx.ErrNoRows}
	}
	if strings.Contains(sql, "UPDATE converted_files") {
		staleAfter := time.Duration(args[1].(float64)) * time.Second
		free := r.status == "pending" ||
			(r.status == "in_flight" && time.Since(r.updatedAt) > staleAfter)
		if !free {
			return memRow{err: pgx.ErrNoRows}
		}
		r.status = "in_flight"
		r.attempts++
		r.updatedAt = time.Now()
		return memRow{status: r.status}
	}
	return memRow{status: r.status}
}

func TestClaimFirstDeliveryWins(t *testing.T) {
	db := newMemDB()
	store := NewWithDB(db, nil)

	proceed, prior, err := store.Claim(context.Background(), "u1", "j1")
	require.NoError(t, err)
	require.True(t, proceed)
	require.Empty(t, prior)
	require.Equal(t, 1, db.rows["u1"].attempts)
}

func TestClaimWhileInFlightDoesNotProceed(t *testing.T) {
	db := newMemDB()
	store := NewWithDB(db, nil)
	ctx := context.Background()

	proceed, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)
	require.True(t, proceed)

	// Same file arrives in another job while the first worker still owns the
	// row: the second claim must not start a second conversion.
	proceed, prior, err := store.Claim(ctx, "u1", "j2")
	require.NoError(t, err)
	require.False(t, proceed, "second claim while first is in flight must not proceed")
	require.Equal(t, entities.StatusInFlight, prior)
	require.Equal(t, 1, db.rows["u1"].attempts, "owner keeps the row")
}

func TestClaimReclaimsStaleInFlightRow(t *testing.T) {
	db := newMemDB()
	store := NewWithDB(db, nil)
	ctx := context.Background()

	_, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)

	// The owner died without releasing: once the row is stale, a redelivery
	// takes it over and the attempt count moves up.
	db.rows["u1"].updatedAt = time.Now().Add(-time.Hour)
	proceed, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)
	require.True(t, proceed)
	require.Equal(t, "in_flight", db.rows["u1"].status)
	require.Equal(t, 2, db.rows["u1"].attempts)
}

func TestClaimAfterSuccessSkips(t *testing.T) {
	db := newMemDB()
	store := NewWithDB(db, nil)
	ctx := context.Background()

	_, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)
	require.NoError(t, store.MarkSucceeded(ctx, "u1"))

	// Same file arriving again, possibly in a new batch: no reprocessing.
	proceed, prior, err := store.Claim(ctx, "u1", "j2")
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, entities.StatusSucceeded, prior)
}

func TestClaimAfterPermanentFailureSkips(t *testing.T) {
	db := newMemDB()
	store := NewWithDB(db, nil)
	ctx := context.Background()

	_, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "u1", "файл не поддерживается или повреждён"))

	proceed, prior, err := store.Claim(ctx, "u1", "j2")
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, entities.StatusFailed, prior)
	require.Equal(t, "файл не поддерживается или повреждён", db.rows["u1"].reason)
}

func TestReleaseAllowsReclaim(t *testing.T) {
	db := newMemDB()
	store := NewWithDB(db, nil)
	ctx := context.Background()

	_, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "u1"))
	require.Equal(t, "pending", db.rows["u1"].status)

	// A released row has no owner: the next delivery claims it right away
	// and the row goes back to in_flight, so a later Release works too.
	proceed, _, err := store.Claim(ctx, "u1", "j1")
	require.NoError(t, err)
	require.True(t, proceed)
	require.Equal(t, "in_flight", db.rows["u1"].status)
}
