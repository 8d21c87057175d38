package app

import (
	"context"
	"log"
)

// sagaStep is one step of a composite mutation. Fatal steps abort the
// sequence and surface their error; the rest are logged and skipped.
type sagaStep struct {
	name  string
	fatal bool
	run   func(ctx context.Context) error
}

// runSaga executes steps in order and returns the names of non-fatal
// steps that failed. A fatal failure stops the sequence immediately.
func runSaga(ctx context.Context, steps []sagaStep) ([]string, error) {
	var failed []string
	for _, step := range steps {
		err := step.run(ctx)
		if err == nil {
			continue
		}
		if step.fatal {
			return failed, err
		}
		log.Printf("saga: step %s failed (continuing): %v", step.name, err)
		failed = append(failed, step.name)
	}
	return failed, nil
}
