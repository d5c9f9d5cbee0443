package persistence

import (
	"context"
	"fmt"
	"time"
)

// MarkSeen records that consumer has processed eventID. It returns true on
// the first sighting and false on redelivery, making it the idempotency
// gate for at-least-once consumers.
func (s *Store) MarkSeen(ctx context.Context, consumer, eventID string) (bool, error) {
	var first bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO seen_events (consumer, event_id) VALUES (?, ?);
		`, consumer, eventID)
		if err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark seen rows: %w", err)
		}
		first = n > 0
		return nil
	})
	return first, err
}

// SweepSeen deletes seen-set entries older than ttl, bounding the set under
// at-least-once redelivery. Returns the number of entries removed.
func (s *Store) SweepSeen(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM seen_events WHERE seen_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep seen rows: %w", err)
	}
	return n, nil
}
