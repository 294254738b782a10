package generator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mohans/genqueue/progress"
)

// Synthetic stands in for a real generation service when none is
// configured. It walks through fixed steps and echoes the request back.
type Synthetic struct {
	StepDelay time.Duration
}

var syntheticSteps = []string{"outline", "draft", "polish"}

func (s Synthetic) Generate(ctx context.Context, request json.RawMessage, p progress.Reporter) (json.RawMessage, error) {
	p.SetTotalSteps(len(syntheticSteps))
	for i, step := range syntheticSteps {
		p.Report(step, float64(i)*100/float64(len(syntheticSteps)))
		if s.StepDelay > 0 {
			t := time.NewTimer(s.StepDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
	p.Report(syntheticSteps[len(syntheticSteps)-1], 100)
	return json.Marshal(struct {
		Synthetic bool            `json:"synthetic"`
		Request   json.RawMessage `json:"request"`
	}{true, request})
}
