package export

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/sceneforge/pkg/scene"
)

// Service produces exports lazily and caches them. Live exports are keyed by
// the content fingerprint of (files, builtFiles), so any mutation that
// changes those yields a fresh cache key and the stale export is simply
// never hit again. Snapshot exports are keyed by conversation entry id,
// which is immutable for the entry's lifetime.
//
// Concurrent requests for the same uncomputed export are collapsed into a
// single computation.
type Service struct {
	builder *Builder
	store   *scene.Store

	mu        sync.RWMutex
	live      map[string]*Export // sceneID "/" fingerprint
	snapshots map[string]*Export // sceneID "/" entryID

	group singleflight.Group
}

func NewService(builder *Builder, store *scene.Store) *Service {
	return &Service{
		builder:   builder,
		store:     store,
		live:      make(map[string]*Export),
		snapshots: make(map[string]*Export),
	}
}

// filesToBytes widens a text file set into the byte map exports operate on.
func filesToBytes(files scene.FileSet) map[string][]byte {
	out := make(map[string][]byte, len(files))
	for path, content := range files {
		out[path] = []byte(content)
	}
	return out
}

// exportInput picks what the live export serves: compiled output when the
// scene has a successful build, raw sources otherwise.
func exportInput(sc *scene.Scene) map[string][]byte {
	if sc.HasBuild() {
		input := make(map[string][]byte, len(sc.BuiltFiles))
		for path, content := range sc.BuiltFiles {
			input[path] = content
		}
		return input
	}
	return filesToBytes(sc.Files)
}

// Live returns the export of the scene's current state, computing and
// caching it on first use.
func (s *Service) Live(sceneID string) (*Export, error) {
	sc, ok := s.store.Get(sceneID)
	if !ok {
		return nil, errors.Wrapf(scene.ErrSceneNotFound, "scene %s", sceneID)
	}

	input := exportInput(sc)
	fingerprint, err := Fingerprint(input)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%s", sceneID, fingerprint)

	s.mu.RLock()
	cached, ok := s.live[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		exp, err := s.builder.Build(sceneID, sc.Name, input)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		// drop stale fingerprints for this scene before caching the new one
		for k := range s.live {
			if strings.HasPrefix(k, sceneID+"/") {
				delete(s.live, k)
			}
		}
		s.live[key] = exp
		s.mu.Unlock()
		return exp, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*Export), nil
}

// Snapshot returns the export of a historical snapshot, computed from the
// entry's full file-set copy and cached per entry id.
func (s *Service) Snapshot(sceneID string, entryID uuid.UUID) (*Export, error) {
	key := fmt.Sprintf("%s/%s", sceneID, entryID)

	sc, ok := s.store.Get(sceneID)
	if !ok {
		return nil, errors.Wrapf(scene.ErrSceneNotFound, "scene %s", sceneID)
	}

	// resolve the snapshot before consulting the cache, so entry ids cleared
	// by a conversation reset fail with ErrEntryNotFound instead of serving
	// a cached export for history that no longer exists
	files, err := s.store.GetSnapshot(sceneID, entryID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, cacheOK := s.snapshots[key]
	s.mu.RUnlock()
	if cacheOK {
		return cached, nil
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		exp, err := s.builder.Build(sceneID, sc.Name, filesToBytes(files))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.snapshots[key] = exp
		s.mu.Unlock()
		return exp, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*Export), nil
}

// ResolveContent finds the raw bytes for a content hash within a scene's
// cached exports, computing the live export if needed. Snapshot content is
// only resolvable after its discovery record has been fetched, which is the
// order the viewer protocol works in anyway.
func (s *Service) ResolveContent(sceneID string, hash string) ([]byte, bool) {
	if exp, err := s.Live(sceneID); err == nil {
		if data, ok := exp.HashedFiles[hash]; ok {
			return data, true
		}
	} else {
		log.Debug().Err(err).Str("scene_id", sceneID).Msg("live export unavailable while resolving content")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := sceneID + "/"
	for key, exp := range s.snapshots {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if data, ok := exp.HashedFiles[hash]; ok {
			return data, true
		}
	}
	return nil, false
}

// Forget drops all cached exports of a scene. Called on scene deletion.
func (s *Service) Forget(sceneID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := sceneID + "/"
	for k := range s.live {
		if strings.HasPrefix(k, prefix) {
			delete(s.live, k)
		}
	}
	for k := range s.snapshots {
		if strings.HasPrefix(k, prefix) {
			delete(s.snapshots, k)
		}
	}
}
