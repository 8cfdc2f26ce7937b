// Package config resolves the immutable settings of one orchestrator run from
// a YAML file, an optional .env file and the process environment.
package config
