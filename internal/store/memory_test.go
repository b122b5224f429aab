package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string) Entry {
	return Entry{
		ID:        id,
		Method:    "GET",
		Path:      "/api/query",
		Status:    200,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStore_RecordAndRecent(t *testing.T) {
	st := NewMemoryStore(10)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Record(context.Background(), entry(fmt.Sprintf("id-%d", i))))
	}

	got, err := st.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, "id-2", got[0].ID)
	assert.Equal(t, "id-0", got[2].ID)
}

func TestMemoryStore_Limit(t *testing.T) {
	st := NewMemoryStore(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.Record(context.Background(), entry(fmt.Sprintf("id-%d", i))))
	}

	got, err := st.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "id-4", got[0].ID)
	assert.Equal(t, "id-3", got[1].ID)
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	st := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.Record(context.Background(), entry(fmt.Sprintf("id-%d", i))))
	}

	got, err := st.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "id-4", got[0].ID)
	assert.Equal(t, "id-2", got[2].ID)
}

func TestMemoryStore_Empty(t *testing.T) {
	st := NewMemoryStore(3)
	got, err := st.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, st.Close())
}
