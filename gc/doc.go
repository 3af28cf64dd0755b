// Package gc orchestrates collection cycles over the heap: the phase
// machine Idle -> Marking -> Relocating -> Idle, root and stack
// seeding, transitive tracing, garbage-ratio driven evacuation with
// age-based promotion, and the Runtime surface mutators allocate and
// collect through.
package gc
