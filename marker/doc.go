// Package marker discovers the live object graph. It owns the mark
// work queues the load barrier and the tracing workers share, the root
// registry, and the stack and object scanners that seed and extend the
// marking wavefront.
package marker
