// Package mirror copies ranking and trending entries from an upstream content
// API into storage, then transfers each entry's asset into an object store
// through a bounded job pool.
package mirror
