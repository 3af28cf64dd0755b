// Package gcerr defines the categorized error kinds shared by every GC
// subsystem. Kinds split into recoverable conditions (out-of-memory,
// starvation) and defects (invalid state, bounds failures) so callers can
// decide between retrying and logging loudly.
package gcerr
