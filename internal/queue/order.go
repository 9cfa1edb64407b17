package queue

import "github.com/jobforge/jobforge/internal/types"

// less implements the dispatch order from spec §4.1:
// (priority desc, delay_until asc, created_at asc).
func less(a, b *types.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.DelayUntil.Equal(b.DelayUntil) {
		return a.DelayUntil.Before(b.DelayUntil)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
