// Package validate accumulates configuration problems so callers can report
// all of them at once instead of stopping at the first.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Err joins the collected problems under a heading, or returns nil.
func (v *Validator) Err(heading string) error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s:\n%s", heading, strings.Join(v.errors, "\n"))
}

// NonNegative records an error when val is below zero.
func (v *Validator) NonNegative(field string, val int64) {
	if val < 0 {
		v.AddError("%s must not be negative, got %d", field, val)
	}
}

// InRange records an error when val lies outside [min, max].
func (v *Validator) InRange(field string, val, min, max int) {
	if val < min || val > max {
		v.AddError("%s must be between %d and %d, got %d", field, min, max, val)
	}
}

// NotEmpty records an error when s is blank.
func (v *Validator) NotEmpty(field, s string) {
	if strings.TrimSpace(s) == "" {
		v.AddError("%s cannot be empty", field)
	}
}

// WritableDir creates dir if needed and checks a file can be written in it.
func (v *Validator) WritableDir(field, dir string) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		v.AddError("%s %q cannot be created: %v", field, dir, err)
		return
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		v.AddError("%s %q is not writable: %v", field, dir, err)
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(filepath.Clean(name))
}
