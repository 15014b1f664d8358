// Package worker provides the periodic background scheduling primitive used by
// the farm synchronization engine. A Runner repeatedly invokes a Worker's
// Process step on a fixed interval, optionally runs a lower-frequency
// maintenance step, survives failures of either step, and can be stopped
// politely with an optional condition. A Registry guarantees a single Runner
// per worker kind.
package worker
