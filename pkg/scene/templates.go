package scene

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Template is a named starting point for new scenes. Its files are copied
// into every scene created from it.
type Template struct {
	ID    string  `yaml:"id"`
	Name  string  `yaml:"name"`
	Files FileSet `yaml:"files"`
}

// RegisterTemplate adds (or replaces) a template in the store's registry.
func (s *Store) RegisterTemplate(tmpl *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.ID] = tmpl
}

// Templates lists the registered templates sorted by id. The returned
// templates are copies; mutating them cannot touch the registry.
func (s *Store) Templates() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		ret = append(ret, &Template{
			ID:    t.ID,
			Name:  t.Name,
			Files: t.Files.Clone(),
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

type templateManifest struct {
	Templates []*Template `yaml:"templates"`
}

// LoadTemplateManifest registers additional templates from a YAML manifest
// with inline file contents:
//
//	templates:
//	  - id: empty-parcel
//	    name: Empty parcel
//	    files:
//	      scene.json: |
//	        { ... }
func (s *Store) LoadTemplateManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "could not read template manifest %s", path)
	}

	var manifest templateManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return errors.Wrapf(err, "could not parse template manifest %s", path)
	}

	for _, tmpl := range manifest.Templates {
		if tmpl.ID == "" {
			return errors.Errorf("template manifest %s contains a template without an id", path)
		}
		if len(tmpl.Files) == 0 {
			return errors.Errorf("template %s has no files", tmpl.ID)
		}
		s.RegisterTemplate(tmpl)
	}

	return nil
}

const DefaultTemplateID = "starter"

const starterSceneJSON = `{
  "main": "bin/game.js",
  "scene": {
    "parcels": ["0,0"],
    "base": "0,0"
  },
  "display": {
    "title": "Starter Scene",
    "description": "An empty parcel with a spinning cube"
  }
}
`

const starterPackageJSON = `{
  "name": "starter-scene",
  "version": "1.0.0",
  "scripts": {
    "build": "build-scene"
  },
  "dependencies": {}
}
`

const starterGameTS = `const cube = spawnCube(8, 1, 8)

cube.addComponent(
  new utils.KeepRotatingComponent(Quaternion.Euler(0, 45, 0))
)

function spawnCube(x: number, y: number, z: number) {
  const cube = new Entity()
  cube.addComponent(new Transform({ position: new Vector3(x, y, z) }))
  cube.addComponent(new BoxShape())
  engine.addEntity(cube)
  return cube
}
`

// StarterTemplate is the built-in template every store starts with: a single
// parcel with a spinning cube, enough for the collaborator to riff on.
func StarterTemplate() *Template {
	return &Template{
		ID:   DefaultTemplateID,
		Name: "Starter Scene",
		Files: FileSet{
			"scene.json":   starterSceneJSON,
			"package.json": starterPackageJSON,
			"src/game.ts":  starterGameTS,
		},
	}
}
