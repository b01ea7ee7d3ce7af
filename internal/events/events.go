// Package events decodes the CloudEvents that trigger pipeline functions.
package events

import (
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

// storageObject is the data of a google.cloud.storage.object.v1.finalized event.
type storageObject struct {
	Bucket string      `json:"bucket"`
	Name   string      `json:"name"`
	Size   json.Number `json:"size"`
}

// batchEnvelope carries several notifications in one event.
type batchEnvelope struct {
	Records []struct {
		Bucket string      `json:"bucket"`
		Key    string      `json:"key"`
		Size   json.Number `json:"size"`
	} `json:"records"`
}

// pubSubPush is the data of a google.cloud.pubsub.topic.v1.messagePublished event.
type pubSubPush struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notifications returns the storage notifications carried by e.
func Notifications(e cloudevents.Event) ([]models.StorageNotification, error) {
	return DecodeNotifications(e.Data())
}

// DecodeNotifications accepts either a single storage object payload or a
// {"records": [...]} batch.
func DecodeNotifications(data []byte) ([]models.StorageNotification, error) {
	var batch batchEnvelope
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if len(batch.Records) > 0 {
		out := make([]models.StorageNotification, 0, len(batch.Records))
		for _, r := range batch.Records {
			out = append(out, models.StorageNotification{Bucket: r.Bucket, Key: r.Key, Size: size(r.Size)})
		}
		return out, nil
	}

	var obj storageObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if obj.Bucket == "" || obj.Name == "" {
		return nil, fmt.Errorf("event data names no object")
	}
	return []models.StorageNotification{{Bucket: obj.Bucket, Key: obj.Name, Size: size(obj.Size)}}, nil
}

func size(n json.Number) int64 {
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}

// StageRequest returns the handoff payload carried by a Pub/Sub push event.
func StageRequest(e cloudevents.Event) (models.StageRequest, error) {
	return DecodeStageRequest(e.Data())
}

// DecodeStageRequest unwraps a Pub/Sub push envelope and decodes its message.
func DecodeStageRequest(data []byte) (models.StageRequest, error) {
	var push pubSubPush
	if err := json.Unmarshal(data, &push); err != nil {
		return models.StageRequest{}, fmt.Errorf("json.Unmarshal: %w", err)
	}
	var req models.StageRequest
	if err := json.Unmarshal(push.Message.Data, &req); err != nil {
		return models.StageRequest{}, fmt.Errorf("failed to decode stage request from message %s: %w", push.Message.MessageID, err)
	}
	return req, nil
}
