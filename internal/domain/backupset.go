// Package domain contains the core business entities for Alexander Backup.
package domain

import "time"

// BackupSet is one snapshot of a client file tree. IDs are monotonically
// increasing in creation order; the "current" set is the completed set with
// the highest ID.
type BackupSet struct {
	// ID is the monotonic backup set identifier.
	ID int64 `json:"id"`

	// Name is the human-readable set name, unique per dataset.
	Name string `json:"name"`

	// Session is the UUID of the client run that produced this set.
	Session string `json:"session"`

	// StartTime is when the set was opened.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the set was completed; zero while still open.
	EndTime time.Time `json:"end_time"`

	// Completed is true once the set has been finalized. Incomplete sets
	// are recoverable garbage.
	Completed bool `json:"completed"`

	// Full is true if the client forced full content for every file in
	// this set rather than deltas.
	Full bool `json:"full"`

	// Priority orders sets for purging; lower priorities purge first.
	Priority int `json:"priority"`

	// ClientVersion and ServerVersion record the software that produced
	// the set.
	ClientVersion string `json:"client_version"`
	ServerVersion string `json:"server_version"`

	// FilesFull and FilesDelta count content submissions by kind.
	FilesFull  int64 `json:"files_full"`
	FilesDelta int64 `json:"files_delta"`

	// BytesReceived is the total payload bytes accepted into this set.
	BytesReceived int64 `json:"bytes_received"`
}

// Open reports whether the set is still accepting submissions.
func (b *BackupSet) Open() bool {
	return !b.Completed
}

// BackupSetDetails summarizes the contents of one backup set.
type BackupSetDetails struct {
	Files       int64 `json:"files"`
	Directories int64 `json:"directories"`
	TotalSize   int64 `json:"total_size"`
	NewFiles    int64 `json:"new_files"`
	NewSize     int64 `json:"new_size"`
}
