package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
)

func openTestStore(t *testing.T, retention time.Duration) (*Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(t.TempDir(), FileName), retention, clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestStore_RecordAndQuery(t *testing.T) {
	ctx := context.Background()
	s, clk := openTestStore(t, 0)

	require.NoError(t, s.Record("block", "203.0.113.7", map[string]any{"id": "abc", "port": 443}))
	clk.Advance(time.Minute)
	require.NoError(t, s.Record("unblock", "203.0.113.7", nil))
	clk.Advance(time.Minute)
	require.NoError(t, s.Record("cidr_add", "10.0.0.0/8", map[string]any{"type": "ALLOW"}))

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "cidr_add", all[0].Action, "newest first")
	assert.Equal(t, "block", all[2].Action)
	assert.Equal(t, "abc", all[2].Details["id"])
	assert.EqualValues(t, 443, all[2].Details["port"])
	assert.Nil(t, all[1].Details)

	blocks, err := s.Query(ctx, Filter{Action: "block"})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, clk.Now().Add(-2*time.Minute).UnixMilli(), blocks[0].Timestamp.UnixMilli())

	byIP, err := s.Query(ctx, Filter{Resource: "203.0.113.7", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byIP, 1)
	assert.Equal(t, "unblock", byIP[0].Action)

	recent, err := s.Query(ctx, Filter{Since: clk.Now().Add(-30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, recent, 1)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestStore_WriteValidation(t *testing.T) {
	s, _ := openTestStore(t, 0)
	assert.Error(t, s.Write(context.Background(), Event{Resource: "x"}))
	assert.Error(t, s.Write(context.Background(), Event{Action: "x"}))
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	s, clk := openTestStore(t, 24*time.Hour)

	require.NoError(t, s.Record("jail", "198.51.100.1", nil))
	clk.Advance(25 * time.Hour)
	require.NoError(t, s.Record("jail", "198.51.100.2", nil))

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	left, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "198.51.100.2", left[0].Resource)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record("block", "192.0.2.1", nil))
	require.NoError(t, s.Close())

	s, err = Open(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
