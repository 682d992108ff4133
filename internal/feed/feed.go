// Package feed carries item mutation events from the authoritative store
// to open board sessions.
package feed

const defaultBuffer = 256
