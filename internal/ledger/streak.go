package ledger

import (
	"context"
	"time"
)

// DefaultStreakTypes are the activity types that count towards a streak.
var DefaultStreakTypes = []string{
	"post_create",
	"post_like",
	"post_bookmark",
	"comment_create",
	"recipe_view",
	"recommendation_view",
}

const dayLayout = "2006-01-02"

// StreakOptions tunes ComputeStreak. The zero value counts today and uses
// the ledger's streak types.
type StreakOptions struct {
	// ExcludeToday starts counting from yesterday, so a streak is not
	// reported broken before the user has acted today.
	ExcludeToday bool
	// Types overrides the counted activity types when non-empty.
	Types []string
}

// ComputeStreak returns the number of consecutive local calendar days,
// ending today (or yesterday with ExcludeToday), on which at least one
// counted activity was recorded. Zero when signed out.
func (l *Ledger) ComputeStreak(ctx context.Context, opts StreakOptions) int {
	ns, ok := l.namespace(ctx)
	if !ok {
		return 0
	}
	counted := opts.Types
	if len(counted) == 0 {
		counted = l.streakTypes
	}
	allowed := make(map[string]struct{}, len(counted))
	for _, t := range counted {
		allowed[t] = struct{}{}
	}

	l.mu.Lock()
	entries, _ := l.readLocked(activityKey(ns)) // unreadable counts as no activity
	days := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := allowed[e.Type]; ok {
			days[e.Time().In(l.loc).Format(dayLayout)] = struct{}{}
		}
	}
	l.mu.Unlock()

	if len(days) == 0 {
		return 0
	}

	// Walk back from noon so DST transitions never skip or repeat a day.
	now := l.now().In(l.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, l.loc)
	if opts.ExcludeToday {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for {
		if _, ok := days[day.Format(dayLayout)]; !ok {
			return streak
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
}
