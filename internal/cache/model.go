// Package cache implements the durable directory-tree cache: encoding
// directory nodes to flat records, storing them behind a pluggable
// key-value backend, and applying freshness/eviction/maintenance policy
// on top
package cache

import "time"

// SchemaVersion is bumped whenever Entry's on-disk shape changes in a way
// that the codec can no longer decode transparently.
const SchemaVersion = 1

// ChildKind distinguishes a file summary from a directory stub within a
// parent's children slice.
type ChildKind string

const (
	ChildFile      ChildKind = "file"
	ChildDirectory ChildKind = "directory"
)

// Child is a single entry in a directory's children list. Directories are
// stored as stubs only: a directory child never carries its own
// grandchildren, those live in the grandchild's own cache entry.
type Child struct {
	Kind       ChildKind  `json:"kind"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Depth      int        `json:"depth"`
	ParentPath string     `json:"parentPath"`
	Size       *int64     `json:"size,omitempty"`
	MTime      *time.Time `json:"mtime,omitempty"`
	// IsLoaded is only meaningful when Kind == ChildDirectory: whether that
	// child directory itself has a cache entry already.
	IsLoaded bool `json:"isLoaded,omitempty"`
}

// DirectoryNode is the in-memory shape of a scanned or decoded directory:
// itself plus its immediate children, never grandchildren.
type DirectoryNode struct {
	Path       string
	ParentPath string
	Name       string
	Depth      int
	Children   []Child
	IsLoaded   bool
	MTime      *time.Time
}

// Entry is the durable, flat record persisted behind the key-value
// backend for a single directory path
type Entry struct {
	Path              string
	ParentPath        string
	Name              string
	Depth             int
	Children          []Child
	IsLoaded          bool
	CachedAt          int64 // ms since epoch, logical clock
	AccessedAt        int64 // ms since epoch, logical clock
	MTime             *time.Time
	SizeEstimateBytes int64
	SchemaVersion     int

	// seq is in-process only and never persisted; the codec does not set
	// it. LRU eviction breaks accessedAt ties with the controller's own
	// index sequence, not this field.
	seq uint64
}

// PrefetchTarget names a directory the scheduler should (re)load, along
// with its depth, the depth ceiling in effect when it was queued, and the
// session token it was queued under.
type PrefetchTarget struct {
	Path        string
	Depth       int
	MaxDepth    int
	SourceToken uint64
}

// PrefetchStatus is a point-in-time snapshot of scheduler progress,
// delivered to onStatus subscribers.
type PrefetchStatus struct {
	Phase            string
	PrimaryPending   int
	DeferredPending  int
	Completed        int
	Failed           int
	SourceToken      uint64
}

// DeferredDirMetadata is the payload delivered to onDeferredMetadata once
// a directory queued in the deferred phase finishes loading.
type DeferredDirMetadata struct {
	Path        string
	Node        *DirectoryNode
	SourceToken uint64
}

// Clock abstracts the logical timestamp source so tests can control it
// deterministically instead of depending on wall-clock time.
type Clock interface {
	NowMillis() int64
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// msToTime converts a unix-millisecond timestamp back into a time.Time in UTC.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
