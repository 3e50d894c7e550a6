// Package uerrors defines the closed taxonomy of error kinds returned by
// every Ubik operation, and an Error type that wraps an underlying cause
// while preserving its kind for callers that need to branch on it.
package uerrors
