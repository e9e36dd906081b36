// Package cache implements the Cache Engine: the orchestration layer that
// ties internal/blob, internal/index, internal/lock and an archive.Archiver
// together into the two operations a CI job actually calls, Restore and
// Save. Resolving a cache key from a workflow file, walking the filesystem
// paths to archive, and talking to the CI platform's job API are all out of
// scope here — callers supply an already-resolved key and an already-decided
// set of paths, the same boundary the teacher draws around GetOrLoad versus
// whatever decides what to load.
package cache
