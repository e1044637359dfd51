package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/relay/internal/domain"
)

func TestPartitionBounds(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 17, 42, 0, time.UTC)

	start, end := partitionBounds(at, time.Hour)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), start)
	assert.Equal(t, start.Add(time.Hour), end)

	// A timestamp on the boundary starts its own window.
	start, end = partitionBounds(start, time.Hour)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC), end)

	// Daily windows align to UTC midnight.
	start, end = partitionBounds(at, 24*time.Hour)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), end)
}

func TestPartitionName(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "messages_partitioned_20260824_100000", partitionName(start))

	// Two messages in the same window resolve to the same child.
	a, _ := partitionBounds(start.Add(5*time.Minute), time.Hour)
	b, _ := partitionBounds(start.Add(45*time.Minute), time.Hour)
	assert.Equal(t, partitionName(a), partitionName(b))
}

func TestTableForRoutesByQueueType(t *testing.T) {
	assert.Equal(t, "messages", tableFor(domain.QueueStandard))
	assert.Equal(t, "messages_unlogged", tableFor(domain.QueueUnlogged))
	assert.Equal(t, "messages_partitioned", tableFor(domain.QueuePartitioned))
}
