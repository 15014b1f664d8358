// Package config loads the farmsync daemon configuration from defaults, an
// optional YAML file and FARMSYNC_-prefixed environment variables, and
// validates it before any component is built from it.
package config
