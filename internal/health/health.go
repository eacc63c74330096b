// Package health scores the bot's recent behaviour from the run ledger.
package health

import (
	"time"

	"github.com/joescharf/commitbot/internal/models"
)

// HealthScore represents the computed health of the bot over a window of runs.
type HealthScore struct {
	Total           int                        `json:"total"`
	SuccessRate     int                        `json:"success_rate"`     // 0-40
	CriticalFree    int                        `json:"critical_free"`    // 0-25
	NoStuckRuns     int                        `json:"no_stuck_runs"`    // 0-20
	ActivityRecency int                        `json:"activity_recency"` // 0-15
	Runs            int                        `json:"runs"`
	Stuck           int                        `json:"stuck"`
	CriticalReasons map[models.ErrorReason]int `json:"critical_reasons,omitempty"`
	Fallbacks       int                        `json:"fallbacks"`
}

// Scorer computes health scores from ledger runs.
type Scorer struct {
	now func() time.Time
}

// NewScorer returns a new health Scorer.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// Score computes a health score (0-100). runs should be the recent window, newest
// first; stuck is the number of runs left running past the stuck threshold.
func (s *Scorer) Score(runs []*models.Run, stuck int) *HealthScore {
	h := &HealthScore{Runs: len(runs), Stuck: stuck, CriticalReasons: map[models.ErrorReason]int{}}

	var terminal, completed, withCritical int
	var last time.Time
	for _, r := range runs {
		if r.FinishedAt != nil && r.FinishedAt.After(last) {
			last = *r.FinishedAt
		}
		if r.Status.Terminal() {
			terminal++
			if r.Status == models.RunStatusCompleted {
				completed++
			}
		}
		critical := false
		for _, o := range r.Tasks {
			if o.Critical() {
				critical = true
				h.CriticalReasons[o.ErrorReason]++
			}
			if o.Usage.FellBack {
				h.Fallbacks++
			}
		}
		if critical {
			withCritical++
		}
	}

	// Success rate (40 pts) - share of finished runs that completed cleanly
	if terminal == 0 {
		h.SuccessRate = 40
	} else {
		h.SuccessRate = int(40 * float64(completed) / float64(terminal))
	}

	// Critical failures (25 pts) - any critical run costs heavily
	h.CriticalFree = scoreCritical(withCritical, len(runs), 25)

	// Stuck runs (20 pts)
	h.NoStuckRuns = scoreStuck(stuck, 20)

	// Activity recency (15 pts) - time since the last finished run
	h.ActivityRecency = scoreRecency(s.now(), last, 15)

	h.Total = h.SuccessRate + h.CriticalFree + h.NoStuckRuns + h.ActivityRecency
	return h
}

func scoreCritical(critical, total, maxPoints int) int {
	if critical == 0 || total == 0 {
		return maxPoints
	}
	ratio := float64(critical) / float64(total)
	return int(float64(maxPoints) * (1 - ratio) * 0.6)
}

func scoreStuck(count, maxPoints int) int {
	switch {
	case count == 0:
		return maxPoints
	case count == 1:
		return int(float64(maxPoints) * 0.5)
	case count <= 3:
		return int(float64(maxPoints) * 0.25)
	default:
		return 0
	}
}

// scoreRecency converts time since last finished run to points.
func scoreRecency(now, t time.Time, maxPoints int) int {
	if t.IsZero() {
		return 0
	}
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days <= 1:
		return maxPoints
	case days <= 3:
		return int(float64(maxPoints) * 0.9)
	case days <= 7:
		return int(float64(maxPoints) * 0.75)
	case days <= 14:
		return int(float64(maxPoints) * 0.6)
	case days <= 30:
		return int(float64(maxPoints) * 0.4)
	case days <= 90:
		return int(float64(maxPoints) * 0.2)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}
