package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// TopicSceneUpdated carries SceneUpdated payloads. Consumers warm the
// export cache so the first request after a mutation does not pay the
// full export cost.
const TopicSceneUpdated = "scene.updates"

type UpdateReason string

const (
	ReasonGeneration UpdateReason = "generation"
	ReasonFileUpdate UpdateReason = "file-update"
	ReasonRevert     UpdateReason = "revert"
)

type SceneUpdated struct {
	SceneID   string       `json:"scene_id"`
	EntryID   string       `json:"entry_id,omitempty"`
	Reason    UpdateReason `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

func PublishSceneUpdated(publisher message.Publisher, ev SceneUpdated) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "could not marshal scene update")
	}
	return publisher.Publish(TopicSceneUpdated, message.NewMessage(watermill.NewUUID(), payload))
}

func ParseSceneUpdated(payload []byte) (*SceneUpdated, error) {
	var ev SceneUpdated
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errors.Wrap(err, "could not parse scene update")
	}
	return &ev, nil
}
