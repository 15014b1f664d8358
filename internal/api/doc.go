// Package api is the small HTTP surface of the farmsync daemon: a health
// check, a status view of the task engine and an endpoint through which other
// local processes enqueue farm tasks.
package api
