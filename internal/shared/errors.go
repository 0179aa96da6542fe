package shared

import "errors"

// ErrLockNotObtained indicates a distributed lock was held elsewhere.
var ErrLockNotObtained = errors.New("lock not obtained")
