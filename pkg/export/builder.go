package export

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sceneforge/pkg/contentid"
)

// entity format tags, matching what the viewer protocol expects
const (
	EntityVersion = "v3"
	EntityType    = "scene"
)

// ContentEntry binds a normalized file path to its content hash. Several
// entries may point at the same hash when files are byte-identical.
type ContentEntry struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// Entity is the manifest record listing every file of an export. Its own
// serialized bytes are stored in the bundle under their hash, so the
// manifest is fetchable like any other content.
type Entity struct {
	Version   string           `json:"version"`
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Content   []ContentEntry   `json:"content"`
	Metadata  *SceneDescriptor `json:"metadata"`
}

// Export is a content-addressed bundle plus the discovery record external
// viewers fetch first. It is derived state: recomputable at any time from
// the owning scene's files or from a snapshot.
type Export struct {
	// EntityID is the hash of the serialized manifest.
	EntityID string

	// HashedFiles maps content hash to raw bytes, the manifest included
	// under its own hash.
	HashedFiles map[string][]byte

	About *About
}

// NormalizePath converts a logical file path to its canonical addressing
// form: forward slashes, no leading separator, lowercase. Case-insensitive
// addressing avoids platform drift between contributors.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	return strings.ToLower(p)
}

// Builder deterministically turns named file sets into content-addressed
// bundles for a given base serving URL.
type Builder struct {
	baseURL string
}

func NewBuilder(baseURL string) *Builder {
	return &Builder{baseURL: strings.TrimRight(baseURL, "/")}
}

// hashFiles normalizes paths and hashes contents, fanning the hashing out
// over a worker group. Identical bytes end up stored once under one hash.
func hashFiles(files map[string][]byte) (map[string]string, map[string][]byte, error) {
	var mu sync.Mutex
	pathHashes := make(map[string]string, len(files))
	hashed := make(map[string][]byte, len(files))

	g := new(errgroup.Group)
	g.SetLimit(8)
	for path, content := range files {
		path, content := path, content
		g.Go(func() error {
			normalized := NormalizePath(path)
			if normalized == "" {
				return errors.Errorf("file path %q normalizes to nothing", path)
			}
			hash := contentid.Hash(content)

			mu.Lock()
			defer mu.Unlock()
			if previous, ok := pathHashes[normalized]; ok && previous != hash {
				return errors.Errorf("paths collide after normalization: %q", normalized)
			}
			pathHashes[normalized] = hash
			hashed[hash] = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return pathHashes, hashed, nil
}

// Fingerprint computes the timestamp-free identity of a file set: the
// fingerprint of its normalized path -> hash pairs. Two exports of the same
// bytes share a fingerprint even though their entity ids differ by the
// manifest timestamp. This is the cache key for lazy export.
func Fingerprint(files map[string][]byte) (string, error) {
	pathHashes, _, err := hashFiles(files)
	if err != nil {
		return "", err
	}
	return contentid.Fingerprint(pathHashes), nil
}

// Build produces the content-addressed bundle and discovery record for a
// named file set.
//
// The manifest timestamp makes consecutive exports of identical content
// yield different entity ids. That churn is accepted: consumers that need a
// stable identity use Fingerprint, which hashes only the path/hash pairs.
func (b *Builder) Build(sceneID string, sceneName string, files map[string][]byte) (*Export, error) {
	if len(files) == 0 {
		return nil, errors.New("cannot export an empty file set")
	}

	pathHashes, hashed, err := hashFiles(files)
	if err != nil {
		return nil, err
	}

	descriptorHash, ok := pathHashes[DescriptorPath]
	if !ok {
		return nil, errors.Wrapf(ErrMissingDescriptor, "scene %s", sceneID)
	}
	descriptor, err := ParseDescriptor(hashed[descriptorHash])
	if err != nil {
		return nil, err
	}

	content := make([]ContentEntry, 0, len(pathHashes))
	for path, hash := range pathHashes {
		content = append(content, ContentEntry{File: path, Hash: hash})
	}
	sort.Slice(content, func(i, j int) bool { return content[i].File < content[j].File })

	entity := &Entity{
		Version:   EntityVersion,
		Type:      EntityType,
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
		Metadata:  descriptor,
	}
	// struct field order plus the sorted content list make this
	// serialization deterministic
	entityBytes, err := json.Marshal(entity)
	if err != nil {
		return nil, errors.Wrap(err, "could not serialize entity manifest")
	}

	entityID := contentid.Hash(entityBytes)
	hashed[entityID] = entityBytes

	about := b.buildAbout(sceneID, sceneName, entityID)

	log.Debug().
		Str("scene_id", sceneID).
		Str("entity_id", entityID).
		Int("files", len(content)).
		Msg("built content-addressed export")

	return &Export{
		EntityID:    entityID,
		HashedFiles: hashed,
		About:       about,
	}, nil
}
