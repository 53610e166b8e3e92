package export

import (
	"fmt"

	"github.com/iancoleman/strcase"
)

// About is the discovery record an external viewer fetches first. It tells
// the viewer which entity to load and where to pull manifest and content
// bytes from.
type About struct {
	Healthy        bool            `json:"healthy"`
	AcceptingUsers bool            `json:"acceptingUsers"`
	Configurations *Configurations `json:"configurations"`
	Content        *ServiceStatus  `json:"content"`
	Lambdas        *ServiceStatus  `json:"lambdas"`
	Comms          *CommsStatus    `json:"comms"`
}

// Configurations carries the pointer expression embedding the entity id and
// the content-fetch prefix derived from the base URL.
type Configurations struct {
	RealmName       string   `json:"realmName"`
	NetworkID       int      `json:"networkId"`
	GlobalScenesURN []string `json:"globalScenesUrn"`
	ScenesURN       []string `json:"scenesUrn"`
}

type ServiceStatus struct {
	Healthy   bool   `json:"healthy"`
	PublicURL string `json:"publicUrl"`
}

type CommsStatus struct {
	Healthy      bool   `json:"healthy"`
	Protocol     string `json:"protocol"`
	FixedAdapter string `json:"fixedAdapter"`
}

// RealmName derives a stable display name for the scene's realm. Falls back
// to the scene id when the scene has no usable name.
func RealmName(sceneID string, sceneName string) string {
	name := strcase.ToKebab(sceneName)
	if name == "" {
		name = fmt.Sprintf("scene-%s", sceneID)
	}
	return name
}

// ContentURL is the prefix content hashes are resolved against.
func (b *Builder) ContentURL(sceneID string) string {
	return fmt.Sprintf("%s/scenes/%s/content/", b.baseURL, sceneID)
}

func (b *Builder) buildAbout(sceneID string, sceneName string, entityID string) *About {
	contentURL := b.ContentURL(sceneID)
	urn := fmt.Sprintf("urn:decentraland:entity:%s?=&baseUrl=%s", entityID, contentURL)

	return &About{
		Healthy:        true,
		AcceptingUsers: true,
		Configurations: &Configurations{
			RealmName:       RealmName(sceneID, sceneName),
			NetworkID:       1,
			GlobalScenesURN: []string{},
			ScenesURN:       []string{urn},
		},
		Content: &ServiceStatus{
			Healthy:   true,
			PublicURL: contentURL,
		},
		Lambdas: &ServiceStatus{
			Healthy:   true,
			PublicURL: contentURL,
		},
		Comms: &CommsStatus{
			Healthy:      true,
			Protocol:     "v3",
			FixedAdapter: "offline:offline",
		},
	}
}
