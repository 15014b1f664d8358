// Package task implements farm task synchronization: the producer that turns
// in-process "something changed" events into persisted, farm-addressed tasks,
// the dispatchers that drain tasks addressed to this instance and execute them
// through a TypeRegistry, and the startup cleaner for stale memory-only tasks.
package task
