package main

import (
	"errors"

	"github.com/morningstarxcdcode/anonsuite/pkg/config"
	"github.com/morningstarxcdcode/anonsuite/pkg/ports"
	"github.com/morningstarxcdcode/anonsuite/pkg/redirect"
	"github.com/morningstarxcdcode/anonsuite/pkg/render"
	"github.com/morningstarxcdcode/anonsuite/pkg/supervisor"
)

// Exit codes of the supervisor process.
const (
	// exitOK: orderly stop completed, host state restored.
	exitOK = 0
	// exitPrecondition: configuration or precondition error, no host
	// mutation performed.
	exitPrecondition = 2
	// exitRuntimeRolledBack: runtime failure after mutations, full
	// rollback succeeded.
	exitRuntimeRolledBack = 3
	// exitRestorePartial: rollback partially failed; host state may need
	// manual inspection.
	exitRestorePartial = 4
)

// classify maps a lifecycle error to the documented exit codes.
func classify(err error) int {
	if err == nil {
		return exitOK
	}

	// A failed restore anywhere dominates: the host may be dirty.
	var restore *redirect.RestoreFailedError
	if errors.As(err, &restore) {
		return exitRestorePartial
	}
	var serr *supervisor.StartError
	if errors.As(err, &serr) && serr.Rollback != nil {
		return exitRestorePartial
	}

	// Preconditions never mutated the host.
	var (
		invalid  *config.InvalidConfigError
		missing  *config.MissingBinaryError
		explicit *ports.ExplicitPortTakenError
		unavail  *ports.UnavailableError
		notFound *render.NotFoundError
	)
	if errors.As(err, &invalid) || errors.As(err, &missing) ||
		errors.As(err, &explicit) || errors.As(err, &unavail) ||
		errors.As(err, &notFound) {
		return exitPrecondition
	}

	return exitRuntimeRolledBack
}
