package snapshot

import (
	"path/filepath"
	"time"
)

// Layout locates owner trees on disk:
//
//	<home>/<owner>/...               live home tree
//	<snapshots>/<owner>/<name>/...   published snapshots
//	<staging>/<owner>                mirror target before publishing
//
// Staging and snapshots must live on the same filesystem so publishing is a rename.
type Layout struct {
	Home      string
	Snapshots string
	Staging   string
}

// HomeDir returns the owner's live tree.
func (l Layout) HomeDir(owner string) string {
	return filepath.Join(l.Home, owner)
}

// OwnerDir returns the directory holding the owner's snapshots.
func (l Layout) OwnerDir(owner string) string {
	return filepath.Join(l.Snapshots, owner)
}

// SnapshotDir returns the path of a published snapshot.
func (l Layout) SnapshotDir(owner, name string) string {
	return filepath.Join(l.Snapshots, owner, name)
}

// StagingDir returns the owner's staging entry.
func (l Layout) StagingDir(owner string) string {
	return filepath.Join(l.Staging, owner)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual local time.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }
