package postgres

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// partitionBounds returns the child-table window of messages_partitioned that
// contains at, aligned to multiples of interval since the zero time in UTC.
func partitionBounds(at time.Time, interval time.Duration) (start, end time.Time) {
	start = at.UTC().Truncate(interval)
	return start, start.Add(interval)
}

// partitionName derives the child table name from its window start.
func partitionName(start time.Time) string {
	return "messages_partitioned_" + start.UTC().Format("20060102_150405")
}

const partitionTimeLayout = "2006-01-02T15:04:05Z"

// ensurePartition creates the child partition covering at if it does not
// exist yet. Creations are cached per window; a concurrent replica winning
// the race is not an error.
func (r *MessageRepo) ensurePartition(ctx domain.Context, interval time.Duration, at time.Time) error {
	if interval <= 0 {
		return nil
	}
	start, end := partitionBounds(at, interval)
	name := partitionName(start)

	r.partsMu.Lock()
	_, ok := r.parts[name]
	r.partsMu.Unlock()
	if ok {
		return nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF messages_partitioned FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format(partitionTimeLayout), end.Format(partitionTimeLayout))
	if _, err := r.Pool.Exec(ctx, ddl); err != nil && !isDuplicateObject(err) {
		return fmt.Errorf("op=messages.ensure_partition name=%s: %w", name, err)
	}

	r.partsMu.Lock()
	r.parts[name] = struct{}{}
	r.partsMu.Unlock()
	return nil
}
