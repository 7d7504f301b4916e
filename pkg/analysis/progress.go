package analysis

// ProgressStats is the aggregate view of a job's stages used by status
// queries and webhook payloads. Computation is pure; nothing here mutates
// the stages.
type ProgressStats struct {
	TotalSteps                int      `json:"total_steps"`
	CompletedCount            int      `json:"completed_steps"`
	RunningCount              int      `json:"running_steps"`
	PendingCount              int      `json:"pending_steps"`
	FailedCount               int      `json:"failed_steps"`
	ProgressPercentage        float64  `json:"progress_percentage"`
	TotalDurationSeconds      float64  `json:"total_duration_seconds"`
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds,omitempty"`
}

// ComputeProgress folds the canonical stage list into aggregate statistics.
// A running stage counts as half a completed one; the remaining-time
// estimate is the mean completed-stage duration times the pending count,
// absent until at least one stage has completed.
func ComputeProgress(stages []*Stage) ProgressStats {
	stats := ProgressStats{TotalSteps: len(stages)}

	for _, s := range stages {
		switch s.State {
		case StageCompleted:
			stats.CompletedCount++
			if d := s.DurationSeconds(); d != nil {
				stats.TotalDurationSeconds += *d
			}
		case StageRunning:
			stats.RunningCount++
		case StageFailed:
			stats.FailedCount++
		default:
			stats.PendingCount++
		}
	}

	if stats.TotalSteps > 0 {
		stats.ProgressPercentage = (float64(stats.CompletedCount) + 0.5*float64(stats.RunningCount)) /
			float64(stats.TotalSteps) * 100
	}

	if stats.CompletedCount > 0 {
		mean := stats.TotalDurationSeconds / float64(stats.CompletedCount)
		remaining := mean * float64(stats.PendingCount)
		stats.EstimatedRemainingSeconds = &remaining
	}

	return stats
}

// CurrentStage returns the first running stage, or nil when none is
// running.
func CurrentStage(stages []*Stage) *Stage {
	for _, s := range stages {
		if s.State == StageRunning {
			return s
		}
	}
	return nil
}

// PendingStageNames lists the names of stages still pending, in registry
// order.
func PendingStageNames(stages []*Stage) []string {
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		if s.State == StagePending {
			names = append(names, string(s.Name))
		}
	}
	return names
}

// CompletedStages lists the completed stages in registry order.
func CompletedStages(stages []*Stage) []*Stage {
	out := make([]*Stage, 0, len(stages))
	for _, s := range stages {
		if s.State == StageCompleted {
			out = append(out, s)
		}
	}
	return out
}
