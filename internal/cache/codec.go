package cache

import (
	"encoding/json"
	"fmt"

	"github.com/susamn/treecached/internal/pathutil"
)

// validate checks the structural invariants encode relies on: every child
// must agree with its stated parent and depth, and a directory may never
// carry a grandchild disguised as a direct child.
func validate(node *DirectoryNode) error {
	if node == nil {
		return &InvalidNodeError{Reason: "nil node"}
	}
	if node.Path != "" {
		if node.Name == "" {
			return &InvalidNodeError{Path: node.Path, Reason: "non-root node missing name"}
		}
		if pathutil.Parent(node.Path) != node.ParentPath {
			return &InvalidNodeError{Path: node.Path, Reason: "parentPath disagrees with path"}
		}
	}
	wantChildDepth := node.Depth + 1
	for _, c := range node.Children {
		if c.ParentPath != node.Path {
			return &InvalidNodeError{Path: node.Path, Reason: fmt.Sprintf("child %q has parentPath %q, want %q", c.Path, c.ParentPath, node.Path)}
		}
		if c.Depth != wantChildDepth {
			return &InvalidNodeError{Path: node.Path, Reason: fmt.Sprintf("child %q has depth %d, want %d", c.Path, c.Depth, wantChildDepth)}
		}
		if c.Kind != ChildFile && c.Kind != ChildDirectory {
			return &InvalidNodeError{Path: node.Path, Reason: fmt.Sprintf("child %q has unknown kind %q", c.Path, c.Kind)}
		}
	}
	return nil
}

// wireEntry is the JSON-serializable projection of Entry; it excludes the
// in-process-only seq field.
type wireEntry struct {
	Path              string  `json:"path"`
	ParentPath        string  `json:"parentPath"`
	Name              string  `json:"name"`
	Depth             int     `json:"depth"`
	Children          []Child `json:"children"`
	IsLoaded          bool    `json:"isLoaded"`
	CachedAt          int64   `json:"cachedAt"`
	AccessedAt        int64   `json:"accessedAt"`
	MTimeUnixMs       *int64  `json:"mtimeUnixMs,omitempty"`
	SizeEstimateBytes int64   `json:"sizeEstimateBytes"`
	SchemaVersion     int     `json:"schemaVersion"`
}

// encodeNode losslessly transforms a DirectoryNode plus the bookkeeping
// timestamps the controller maintains into a flat Entry, ready to be
// serialized behind the key-value store
func encodeNode(node *DirectoryNode, cachedAt, accessedAt int64) (*Entry, error) {
	if err := validate(node); err != nil {
		return nil, err
	}
	children := make([]Child, len(node.Children))
	copy(children, node.Children)
	return &Entry{
		Path:              node.Path,
		ParentPath:        node.ParentPath,
		Name:              node.Name,
		Depth:             node.Depth,
		Children:          children,
		IsLoaded:          node.IsLoaded,
		CachedAt:          cachedAt,
		AccessedAt:        accessedAt,
		MTime:             node.MTime,
		SizeEstimateBytes: estimateSize(node),
		SchemaVersion:     SchemaVersion,
	}, nil
}

// decodeNode strips the bookkeeping fields back off an Entry, returning
// the DirectoryNode shape callers of the cache operate on.
func decodeNode(e *Entry) *DirectoryNode {
	children := make([]Child, len(e.Children))
	copy(children, e.Children)
	return &DirectoryNode{
		Path:       e.Path,
		ParentPath: e.ParentPath,
		Name:       e.Name,
		Depth:      e.Depth,
		Children:   children,
		IsLoaded:   e.IsLoaded,
		MTime:      e.MTime,
	}
}

// estimateSize approximates the persisted footprint of a node without
// performing a full marshal, used for cache-size accounting.
func estimateSize(node *DirectoryNode) int64 {
	size := int64(len(node.Path) + len(node.Name) + 32)
	for _, c := range node.Children {
		size += int64(len(c.Path)+len(c.Name)+len(c.ParentPath)) + 48
	}
	return size
}

// marshalEntry serializes an Entry to bytes for the key-value backend.
func marshalEntry(e *Entry) ([]byte, error) {
	w := wireEntry{
		Path:              e.Path,
		ParentPath:        e.ParentPath,
		Name:              e.Name,
		Depth:             e.Depth,
		Children:          e.Children,
		IsLoaded:          e.IsLoaded,
		CachedAt:          e.CachedAt,
		AccessedAt:        e.AccessedAt,
		SizeEstimateBytes: e.SizeEstimateBytes,
		SchemaVersion:     e.SchemaVersion,
	}
	if e.MTime != nil {
		ms := e.MTime.UnixMilli()
		w.MTimeUnixMs = &ms
	}
	return json.Marshal(&w)
}

// unmarshalEntry deserializes bytes from the key-value backend back into
// an Entry, reporting CorruptedError on malformed data or an unsupported
// schema version.
func unmarshalEntry(path string, raw []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &CorruptedError{Path: path, Err: err}
	}
	if w.SchemaVersion != SchemaVersion {
		return nil, &CorruptedError{Path: path, Err: fmt.Errorf("unsupported schema version %d", w.SchemaVersion)}
	}
	e := &Entry{
		Path:              w.Path,
		ParentPath:        w.ParentPath,
		Name:              w.Name,
		Depth:             w.Depth,
		Children:          w.Children,
		IsLoaded:          w.IsLoaded,
		CachedAt:          w.CachedAt,
		AccessedAt:        w.AccessedAt,
		SizeEstimateBytes: w.SizeEstimateBytes,
		SchemaVersion:     w.SchemaVersion,
	}
	if w.MTimeUnixMs != nil {
		t := msToTime(*w.MTimeUnixMs)
		e.MTime = &t
	}
	return e, nil
}
