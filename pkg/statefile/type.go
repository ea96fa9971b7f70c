// Package statefile models the persistent files of the configuration
// cache: a named location with a category tag, stream factories, and
// derivation of related sibling files.
//
// The category ([StateType]) decides two things statically: whether the
// file's bytes are encrypted at rest, and whether its strings are
// deduplicated through a shared side file. Neither is ever inferred from
// stream contents.
package statefile

// StateType is the closed set of state file categories.
type StateType uint8

const (
	// TypeEntry is the top-level entry-details index of a cache entry.
	TypeEntry StateType = iota

	// TypeWork holds a build's finalized work graph. Work files share
	// one string table across the whole file tree of the entry.
	TypeWork

	// TypeModel holds one cached intermediate model.
	TypeModel

	// TypeMetadata holds project metadata.
	TypeMetadata
)

// Encryptable reports whether files of this category are encrypted at
// rest when an encryption provider is configured. Work graphs and models
// can capture user data; the entry index and metadata hold only paths
// and block addresses.
func (t StateType) Encryptable() bool {
	return t == TypeWork || t == TypeModel
}

// SharedStrings reports whether files of this category are eligible for
// the parallel string strategy backed by a shared side file.
func (t StateType) SharedStrings() bool {
	return t == TypeWork
}

func (t StateType) String() string {
	switch t {
	case TypeEntry:
		return "entry"
	case TypeWork:
		return "work"
	case TypeModel:
		return "model"
	case TypeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}
