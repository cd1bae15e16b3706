package media

import "errors"

// ErrInvalidOperation reports a reference-count violation: releasing a handle
// twice or reading a frame after its handle was released. It is a programming
// error and is never retried.
var ErrInvalidOperation = errors.New("invalid operation")
