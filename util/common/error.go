// Package common holds small shared helpers used across service and
// controller packages.
package common

import "fmt"

// NewError builds an error from a mixed list of arguments, e.g.
// common.NewError("source ", id, " not found").
func NewError(args ...interface{}) error {
	return fmt.Errorf("%s", fmt.Sprint(args...))
}

// NewErrorf builds an error from a format string and arguments.
func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
