// Package handlers provides the task types farmsyncd executes out of the box:
// the system task types, cache invalidation against an in-process key cache,
// and file replication under a configured root directory.
package handlers
