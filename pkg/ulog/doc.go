// Package ulog provides Ubik's structured logger, a thin wrapper over
// zerolog adapted from the teacher repo's pkg/log: a global Logger, an
// Init(Config), and component-scoped child loggers used by every
// background task (beacon, recovery, freeze, quorum).
package ulog
