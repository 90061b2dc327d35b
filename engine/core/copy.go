package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopy returns a structural copy of v. Pointers, maps and slices in the
// result share no memory with the source.
func DeepCopy[T any](v T) (T, error) {
	var zero T
	raw := deepcopy.Copy(v)
	if raw == nil {
		return zero, nil
	}
	copied, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast copied value to type %T", zero)
	}
	return copied, nil
}
