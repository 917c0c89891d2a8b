package pipeline

import (
	"context"
	"time"

	"intakeline/internal/domain"
	"intakeline/internal/stage"
)

const staleScanLimit = 500

// StaleRequest is a live request that sat in its stage longer than the
// configured threshold.
type StaleRequest struct {
	domain.Request
	HoursInStage int `json:"hours_in_stage"`
}

// StaleRequests scans every stage with an aging threshold and returns
// the requests that overstayed it, oldest first within each stage.
func (e *Engine) StaleRequests(ctx context.Context) ([]StaleRequest, error) {
	now := e.Now().UTC()
	var out []StaleRequest
	for _, s := range stage.All() {
		hours, ok := e.Config.Aging.ThresholdHours[string(s)]
		if !ok || hours <= 0 {
			continue
		}
		items, err := e.Repo.ListByStage(ctx, s, staleScanLimit)
		if err != nil {
			return nil, err
		}
		cutoff := now.Add(-time.Duration(hours) * time.Hour)
		for _, r := range items {
			entered, err := time.Parse(time.RFC3339, r.StageEnteredAt)
			if err != nil {
				continue
			}
			if entered.After(cutoff) {
				continue
			}
			out = append(out, StaleRequest{
				Request:      r,
				HoursInStage: int(now.Sub(entered).Hours()),
			})
		}
	}
	return out, nil
}
