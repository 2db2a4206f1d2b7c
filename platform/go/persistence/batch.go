package persistence

import (
	"context"
	"fmt"
)

// BatchItem is one unit of a batched write. Required items abort the whole
// scope on failure; optional items are rolled back to their savepoint,
// recorded, and skipped.
type BatchItem struct {
	Name     string
	Required bool
	Apply    func(ctx context.Context, sc *Scope) error
}

// BatchFailure records one skipped optional item.
type BatchFailure struct {
	Name string
	Err  *ClassifiedError
}

// BatchReport summarizes a batch run: how many items are part of the scope's
// pending work and which optional items were skipped.
type BatchReport struct {
	Applied  int
	Failures []BatchFailure
}

// ApplyBatch runs the items in order inside the scope, isolating each behind
// a savepoint. A returned error means the scope must be rolled back (required
// item failed or savepoint plumbing broke); a nil error with Failures means
// the committed result will contain every item except the recorded ones.
func ApplyBatch(ctx context.Context, sc *Scope, items []BatchItem) (BatchReport, error) {
	report := BatchReport{}

	for _, item := range items {
		sp, err := sc.Savepoint(ctx)
		if err != nil {
			return report, err
		}

		if err := item.Apply(ctx, sc); err != nil {
			if item.Required {
				return report, Classify(fmt.Errorf("required item %q: %w", item.Name, err))
			}

			if rbErr := sc.RollbackTo(ctx, sp); rbErr != nil {
				return report, rbErr
			}
			report.Failures = append(report.Failures, BatchFailure{Name: item.Name, Err: Classify(err)})
			continue
		}

		if err := sc.ReleaseSavepoint(ctx, sp); err != nil {
			return report, err
		}
		report.Applied++
	}

	return report, nil
}
