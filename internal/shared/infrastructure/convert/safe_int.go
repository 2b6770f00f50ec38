// Package convert provides safe type conversion utilities.
package convert

import "fmt"

// IntToUint safely converts an int to uint, returning an error if negative.
func IntToUint(v int) (uint, error) {
	if v < 0 {
		return 0, fmt.Errorf("cannot convert negative int to uint: %d", v)
	}
	return uint(v), nil
}

// IntToUintSafe safely converts an int to uint, panicking if negative.
// Use this only for values that are guaranteed by business logic to be
// within bounds.
func IntToUintSafe(v int) uint {
	if v < 0 {
		panic(fmt.Sprintf("cannot convert negative int to uint: %d", v))
	}
	return uint(v)
}

// IntToUintClamped converts an int to uint, clamping negative values to 0.
func IntToUintClamped(v int) uint {
	if v < 0 {
		return 0
	}
	return uint(v)
}
