package events

import (
	"encoding/base64"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

func TestDecodeSingleStorageObject(t *testing.T) {
	got, err := DecodeNotifications([]byte(`{"bucket":"bills-in","name":"bill.pdf","size":"2048","contentType":"application/pdf"}`))
	require.NoError(t, err)
	assert.Equal(t, []models.StorageNotification{{Bucket: "bills-in", Key: "bill.pdf", Size: 2048}}, got)
}

func TestDecodeBatch(t *testing.T) {
	got, err := DecodeNotifications([]byte(`{"records":[{"bucket":"b","key":"one.pdf","size":1},{"bucket":"b","key":"two.pdf"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []models.StorageNotification{
		{Bucket: "b", Key: "one.pdf", Size: 1},
		{Bucket: "b", Key: "two.pdf"},
	}, got)
}

func TestDecodeNotificationsRejectsEmpty(t *testing.T) {
	_, err := DecodeNotifications([]byte(`{}`))
	assert.Error(t, err)
	_, err = DecodeNotifications([]byte(`not json`))
	assert.Error(t, err)
}

func TestNotificationsFromCloudEvent(t *testing.T) {
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("//storage.googleapis.com/projects/_/buckets/bills-in")
	e.SetType("google.cloud.storage.object.v1.finalized")
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, map[string]any{"bucket": "bills-in", "name": "bill.pdf", "size": "10"}))

	got, err := Notifications(e)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bill.pdf", got[0].Key)
}

func TestDecodeStageRequest(t *testing.T) {
	inner := `{"correlationId":"cid-1","jobId":"job-1","validationResult":{"correlation_id":"cid-1","all_valid":false,"issues":["No CPT codes found."]}}`
	push := `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(inner)) + `","messageId":"m-1"},"subscription":"s"}`

	req, err := DecodeStageRequest([]byte(push))
	require.NoError(t, err)

	assert.Equal(t, "cid-1", req.CorrelationID)
	assert.Equal(t, "job-1", req.JobID)
	assert.Nil(t, req.Source)
	require.NotNil(t, req.Validation)
	assert.False(t, req.Validation.Valid)
	assert.Equal(t, []string{"No CPT codes found."}, req.Validation.Issues)
}
