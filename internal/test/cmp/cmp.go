// Package cmp wraps go-cmp with the comparer options the rest of the
// module's tests want: exported-and-unexported field visibility and
// errors.Is-based equality for wrapped error values.
package cmp

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Diff returns a human readable diff between v1 and v2. This module's
// wire messages are plain structs, so go-cmp's default struct comparison
// already does the right thing once unexported fields are made visible.
func Diff(v1, v2 interface{}) string {
	return cmp.Diff(v1, v2, cmpopts.EquateErrors(), cmp.Exporter(func(r reflect.Type) bool {
		return true
	}))
}
