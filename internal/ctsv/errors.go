package ctsv

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Input and configuration
// errors abort an operation before any per-gene work is dispatched; numerical
// problems for a single gene never surface here, they are downgraded to
// status-flagged result rows instead.
var (
	// ErrDegenerateBandwidth means no gene yielded a usable bandwidth
	// estimate (for example, every gene has zero-variance expression).
	ErrDegenerateBandwidth = errors.New("ctsv: all per-gene bandwidth estimates are degenerate")

	// ErrSingularKernel means the kernel matrix is too ill-conditioned for
	// downstream eigendecomposition and no regularization was configured.
	ErrSingularKernel = errors.New("ctsv: kernel matrix is numerically singular")

	// ErrDimensionMismatch means the input matrices disagree on spot,
	// gene or cell-type dimensions.
	ErrDimensionMismatch = errors.New("ctsv: input dimensions disagree")

	// ErrUnknownCellType means a caller-supplied cell-type label does not
	// exist in the dataset.
	ErrUnknownCellType = errors.New("ctsv: unknown cell type")

	// ErrInvalidOption means a caller-supplied option violates its
	// documented range (threshold outside (0,1], non-positive max count).
	ErrInvalidOption = errors.New("ctsv: invalid option")
)

func dimErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDimensionMismatch, fmt.Sprintf(format, args...))
}

func optionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOption, fmt.Sprintf(format, args...))
}

func optionWrap(err error, detail string) error {
	return fmt.Errorf("%w: %q", err, detail)
}
