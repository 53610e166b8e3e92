package scene

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrSceneNotFound    = errors.New("scene not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrEntryNotFound    = errors.New("conversation entry not found")
)

// Store owns the canonical mutable scene entities and their histories. It is
// an explicitly constructed object with no ambient singletons, so tests can
// instantiate isolated stores per test case.
//
// Every scene handed out by the store is a deep copy. Mutating a returned
// scene (or any file map inside it) never affects store state.
type Store struct {
	mu        sync.RWMutex
	scenes    map[string]*Scene
	templates map[string]*Template

	// locks serializes modification requests per scene id. The orchestrator
	// holds a scene's lock for the whole request-merge-build-commit cycle so
	// a second request cannot read stale files and cause a lost update.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore() *Store {
	s := &Store{
		scenes:    make(map[string]*Scene),
		templates: make(map[string]*Template),
		locks:     make(map[string]*sync.Mutex),
	}
	s.RegisterTemplate(StarterTemplate())
	return s
}

// Lock returns the mutation lock for the given scene id, creating it lazily.
// The lock survives scene deletion; that is harmless since a locked id that
// no longer resolves just fails with ErrSceneNotFound.
func (s *Store) Lock(sceneID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[sceneID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[sceneID] = mu
	}
	return mu
}

// CreateFromTemplate creates a fresh scene from a registered template. The
// template files are copied, never shared.
func (s *Store) CreateFromTemplate(templateID string, name string) (*Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpl, ok := s.templates[templateID]
	if !ok {
		return nil, errors.Wrapf(ErrTemplateNotFound, "template %s", templateID)
	}

	now := time.Now()
	sc := &Scene{
		ID:           uuid.NewString(),
		Name:         name,
		Files:        tmpl.Files.Clone(),
		Conversation: []*ConversationEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.scenes[sc.ID] = sc

	log.Debug().Str("scene_id", sc.ID).Str("template_id", templateID).Msg("created scene from template")
	return sc.clone(), nil
}

// Get returns a deep copy of the scene, or false if it does not exist.
func (s *Store) Get(sceneID string) (*Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, false
	}
	return sc.clone(), true
}

// List returns all scenes sorted by creation time.
func (s *Store) List() []*Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*Scene, 0, len(s.scenes))
	for _, sc := range s.scenes {
		ret = append(ret, sc.clone())
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].ID < ret[j].ID
		}
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// UpdateFiles replaces the scene's files wholesale (not merged) and clears
// BuiltFiles, which no longer corresponds to the new sources.
func (s *Store) UpdateFiles(sceneID string, files FileSet) (*Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, errors.Wrapf(ErrSceneNotFound, "scene %s", sceneID)
	}

	sc.Files = files.Clone()
	sc.BuiltFiles = nil
	sc.UpdatedAt = time.Now()
	return sc.clone(), nil
}

// SetBuiltFiles records the output of a successful build for the current
// files. Only the build-validate cycle calls this, right after UpdateFiles.
func (s *Store) SetBuiltFiles(sceneID string, built BinarySet) (*Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, errors.Wrapf(ErrSceneNotFound, "scene %s", sceneID)
	}

	sc.BuiltFiles = built.Clone()
	sc.UpdatedAt = time.Now()
	return sc.clone(), nil
}

// AppendEntry appends a conversation entry. Entries are never deduplicated;
// callers are responsible for not double-appending.
func (s *Store) AppendEntry(sceneID string, entry *ConversationEntry) (*Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, errors.Wrapf(ErrSceneNotFound, "scene %s", sceneID)
	}

	sc.Conversation = append(sc.Conversation, entry)
	sc.UpdatedAt = time.Now()
	return sc.clone(), nil
}

// ResetConversation clears the conversation sequence. Files, built files and
// exports are untouched; only the history is gone.
func (s *Store) ResetConversation(sceneID string) (*Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, errors.Wrapf(ErrSceneNotFound, "scene %s", sceneID)
	}

	sc.Conversation = []*ConversationEntry{}
	sc.UpdatedAt = time.Now()
	return sc.clone(), nil
}

// GetSnapshot returns a defensive copy of the named entry's file snapshot.
func (s *Store) GetSnapshot(sceneID string, entryID uuid.UUID) (FileSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, errors.Wrapf(ErrSceneNotFound, "scene %s", sceneID)
	}
	entry, ok := sc.Entry(entryID)
	if !ok {
		return nil, errors.Wrapf(ErrEntryNotFound, "entry %s", entryID)
	}
	return entry.FilesSnapshot.Clone(), nil
}

// RevertToSnapshot sets the scene's files to a copy of the named entry's
// snapshot and clears build output. The conversation is NOT truncated:
// history after the reverted-to point stays intact, so revert is a
// forward-moving edit rather than an undo. Later entries can still be viewed
// and reverted to, git-like but without branches.
func (s *Store) RevertToSnapshot(sceneID string, entryID uuid.UUID) (*Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		return nil, errors.Wrapf(ErrSceneNotFound, "scene %s", sceneID)
	}
	entry, ok := sc.Entry(entryID)
	if !ok {
		return nil, errors.Wrapf(ErrEntryNotFound, "entry %s", entryID)
	}

	sc.Files = entry.FilesSnapshot.Clone()
	sc.BuiltFiles = nil
	sc.UpdatedAt = time.Now()

	log.Debug().Str("scene_id", sceneID).Str("entry_id", entryID.String()).Msg("reverted scene to snapshot")
	return sc.clone(), nil
}

// Delete removes a scene. Deleting an unknown id is a no-op.
func (s *Store) Delete(sceneID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scenes, sceneID)
}
