package pigweed

import "github.com/viperasi/pigweed/kvserrors"

// Sentinel errors re-exported from kvserrors so callers never need to
// import that package directly.
var (
	ErrNotFound           = kvserrors.NotFound
	ErrAlreadyExists      = kvserrors.AlreadyExists
	ErrInvalidArgument    = kvserrors.InvalidArgument
	ErrFailedPrecondition = kvserrors.FailedPrecondition
	ErrResourceExhausted  = kvserrors.ResourceExhausted
	ErrDataLoss           = kvserrors.DataLoss
	ErrInternal           = kvserrors.Internal
	ErrUnknown            = kvserrors.Unknown
)

// ShortReadError is returned by Get when the caller's buffer is smaller
// than the stored value; Copied reports how many bytes were written into
// it before Get gave up.
type ShortReadError = kvserrors.ShortRead
