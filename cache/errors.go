package cache

import (
	"fmt"
)

// InvalidateError is returned by Invalidate when neither the generation bump
// nor the entry delete succeeded. Entries under Namespace/Key may be served
// until the backends recover or the TTL runs out.
type InvalidateError struct {
	Namespace string
	Key       string
	BumpErr   error
	DelErr    error
}

func (e *InvalidateError) Error() string {
	return fmt.Sprintf("invalidate %s %q: cache backends unavailable: bump=%v; delete=%v",
		e.Namespace, e.Key, e.BumpErr, e.DelErr)
}

func (e *InvalidateError) Unwrap() []error {
	return []error{e.BumpErr, e.DelErr}
}
