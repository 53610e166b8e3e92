package scene

import (
	"time"

	"github.com/google/uuid"
	clone "github.com/huandu/go-clone"
)

// FileSet maps logical file paths to text content. It is the editable source
// set of a scene.
type FileSet map[string]string

// BinarySet maps output paths to raw bytes. Build output and binary assets
// live here, since compiled bundles and media are not guaranteed to be text.
type BinarySet map[string][]byte

// Clone returns a deep copy so handing a FileSet across a package boundary
// can never corrupt store state.
func (f FileSet) Clone() FileSet {
	if f == nil {
		return nil
	}
	return clone.Clone(f).(FileSet)
}

// Clone returns a deep copy of the binary set.
func (b BinarySet) Clone() BinarySet {
	if b == nil {
		return nil
	}
	return clone.Clone(b).(BinarySet)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationEntry is one immutable step in a scene's history. The snapshot
// is always the whole file set, never a diff: for a user entry the files as
// they were before the edit, for an assistant entry the files after it.
type ConversationEntry struct {
	ID            uuid.UUID `json:"id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	FilesSnapshot FileSet   `json:"filesSnapshot"`
}

// NewEntry creates a conversation entry, copying the snapshot on the way in.
func NewEntry(role Role, content string, snapshot FileSet) *ConversationEntry {
	return &ConversationEntry{
		ID:            uuid.New(),
		Role:          role,
		Content:       content,
		Timestamp:     time.Now(),
		FilesSnapshot: snapshot.Clone(),
	}
}

// Scene is the versioned unit of work: a mutable source file set plus its
// append-only modification history.
type Scene struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Files is the current editable source set. A project descriptor
	// (scene.json) must always be present; consumers fail fast when it is
	// missing instead of defaulting.
	Files FileSet `json:"files"`

	// BuiltFiles is only present after a successful build and is cleared
	// whenever Files changes without a following successful build.
	BuiltFiles BinarySet `json:"builtFiles,omitempty"`

	Conversation []*ConversationEntry `json:"conversation"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry looks up a conversation entry by id.
func (s *Scene) Entry(entryID uuid.UUID) (*ConversationEntry, bool) {
	for _, e := range s.Conversation {
		if e.ID == entryID {
			return e, true
		}
	}
	return nil, false
}

// HasBuild reports whether the scene currently carries build output.
func (s *Scene) HasBuild() bool {
	return len(s.BuiltFiles) > 0
}

func (s *Scene) clone() *Scene {
	return clone.Clone(s).(*Scene)
}
