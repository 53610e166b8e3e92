package export

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrMissingDescriptor = errors.New("project descriptor (scene.json) missing")
	ErrInvalidDescriptor = errors.New("project descriptor (scene.json) invalid")
)

// DescriptorPath is the conventional name of the project descriptor. It is
// accepted at the root or with a single leading separator.
const DescriptorPath = "scene.json"

// SceneDescriptor is the parsed project descriptor. Every file set handed to
// export or build must contain one; components fail fast when it is missing
// instead of silently defaulting.
type SceneDescriptor struct {
	// Main is the scene's entry point, relative to the scene root. After a
	// build this points at the compiled bundle.
	Main string `json:"main"`

	Scene ParcelPlacement `json:"scene"`

	Display *DisplayInfo `json:"display,omitempty"`
}

// ParcelPlacement describes which parcels the scene occupies and which one
// anchors it.
type ParcelPlacement struct {
	Parcels []string `json:"parcels"`
	Base    string   `json:"base"`
}

type DisplayInfo struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"navmapThumbnail,omitempty"`
}

var (
	descriptorSchemaOnce sync.Once
	descriptorSchema     []byte
	descriptorSchemaErr  error
)

// descriptorJSONSchema generates the descriptor's JSON schema from the
// struct, once. Extra fields are allowed since scene.json commonly carries
// metadata we do not model.
func descriptorJSONSchema() ([]byte, error) {
	descriptorSchemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			// Expand definitions inline instead of using $refs
			DoNotReference:             true,
			AllowAdditionalProperties:  true,
			RequiredFromJSONSchemaTags: false,
		}
		schema := reflector.Reflect(&SceneDescriptor{})
		// strip the meta-schema reference so the validator runs in hybrid
		// mode rather than rejecting a draft it does not know
		schema.Version = ""
		descriptorSchema, descriptorSchemaErr = json.Marshal(schema)
	})
	return descriptorSchema, descriptorSchemaErr
}

// ParseDescriptor parses and validates raw scene.json bytes.
func ParseDescriptor(raw []byte) (*SceneDescriptor, error) {
	var descriptor SceneDescriptor
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "parse error: %s", err.Error())
	}

	schemaBytes, err := descriptorJSONSchema()
	if err != nil {
		return nil, errors.Wrap(err, "could not build descriptor schema")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "validation error: %s", err.Error())
	}
	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s", strings.Join(descriptions, "; "))
	}

	if descriptor.Main == "" {
		return nil, errors.Wrap(ErrInvalidDescriptor, "main entry point missing")
	}
	if len(descriptor.Scene.Parcels) == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "no parcels declared")
	}

	return &descriptor, nil
}

// FindDescriptorSource locates the descriptor among raw (not yet normalized)
// paths, accepting "scene.json" and "/scene.json" case-insensitively.
func FindDescriptorSource(files map[string]string) (string, bool) {
	for path, content := range files {
		if NormalizePath(path) == DescriptorPath {
			return content, true
		}
	}
	return "", false
}
