package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genqueue/internal/models"
)

// SimulateJobType is a built-in job type for smoke tests and load drills.
const SimulateJobType = "debug.simulate"

type simulateParams struct {
	ShouldFail  bool            `json:"should_fail"`
	ShouldPanic bool            `json:"should_panic"`
	DurationMS  int             `json:"duration_ms"`
	Result      json.RawMessage `json:"result"`
}

// Simulate sleeps for duration_ms, then fails, panics or echoes result as
// the parameters request.
func Simulate(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var params simulateParams
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if params.DurationMS > 0 {
		timer := time.NewTimer(time.Duration(params.DurationMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("simulation interrupted: %w", ctx.Err())
		}
	}
	if params.ShouldPanic {
		panic("simulated panic requested by parameters.should_panic")
	}
	if params.ShouldFail {
		return nil, errors.New("simulated failure requested by parameters.should_fail")
	}
	if len(params.Result) > 0 {
		return params.Result, nil
	}
	return json.Marshal(map[string]any{"simulated": true, "duration_ms": params.DurationMS})
}
