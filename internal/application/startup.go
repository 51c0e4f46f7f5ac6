package application

import (
	"context"
	"fmt"

	"github.com/davarch/ci-ingest/internal/domain"
)

// StartupDecision is evaluated once per process start and handed to the
// coordinator by value.
type StartupDecision struct {
	StoreEmpty bool
}

func DecideStartup(ctx context.Context, store domain.Store) (StartupDecision, error) {
	empty, err := store.IsEmpty(ctx)
	if err != nil {
		return StartupDecision{}, fmt.Errorf("startup decision: %w", err)
	}
	return StartupDecision{StoreEmpty: empty}, nil
}
