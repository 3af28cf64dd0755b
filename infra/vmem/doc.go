// Package vmem manages the reserved virtual address range backing the
// heap. It reserves a large inaccessible mapping up front, then commits
// and uncommits page-aligned slices on demand, keeping a ledger of
// committed ranges so the sum never exceeds the reservation.
package vmem
