package loc

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Estimate: Estimate{
			Position:   Point{X: 1215, Y: 910},
			Heading:    math.Pi / 2,
			Confidence: 0.92,
		},
		Error:          160,
		ValidSensors:   8,
		HealthySensors: 8,
		Initialized:    true,
		Validated:      true,
		Timestamp:      time.Unix(1700000000, 0),
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := NewPublisher(nil, "")
	assert.Equal(t, "fieldloc/pose", p.PoseTopic())
	assert.Equal(t, "fieldloc/events", p.EventTopic())

	p = NewPublisher(nil, "robot1")
	assert.Equal(t, "robot1/pose", p.PoseTopic())
}

func TestPublisher_PublishPose(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	p := NewPublisher(mockClient, "robot1")

	require.NoError(t, p.PublishPose(testSnapshot()))

	msg, ok := mockClient.LastPublished("robot1/pose")
	require.True(t, ok)
	assert.True(t, msg.Retain)
	assert.Equal(t, byte(0), msg.QoS)

	var payload PosePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, 1215.0, payload.X)
	assert.InDelta(t, 90, payload.Heading, 1e-9)
	assert.Equal(t, 8, payload.Valid)
	assert.Equal(t, AccuracyExcellent, payload.Accuracy)
	assert.Equal(t, int64(1700000000), payload.Timestamp)
}

func TestPublisher_Options(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	p := NewPublisher(mockClient, "robot1")
	p.SetQoS(1)
	p.SetQoS(7) // ignored
	p.SetRetain(false)

	require.NoError(t, p.PublishPose(testSnapshot()))
	msg, _ := mockClient.LastPublished("robot1/pose")
	assert.Equal(t, byte(1), msg.QoS)
	assert.False(t, msg.Retain)
}

func TestPublisher_PublishEvent(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	p := NewPublisher(mockClient, "robot1")

	require.NoError(t, p.PublishEvent("reset", ReasonErrorTooHigh, Point{X: 10, Y: 20}))

	msg, ok := mockClient.LastPublished("robot1/events")
	require.True(t, ok)
	assert.False(t, msg.Retain, "events are never retained")

	var payload EventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "reset", payload.Event)
	assert.Equal(t, ReasonErrorTooHigh, payload.Reason)
	assert.Equal(t, 20.0, payload.Y)
}

func TestPublisher_Errors(t *testing.T) {
	assert.Error(t, NewPublisher(nil, "x").PublishPose(testSnapshot()))

	mockClient := NewMockClient()
	p := NewPublisher(mockClient, "x")
	err := p.PublishPose(testSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	mockClient.SetConnected(true)
	mockClient.SetPublishError(errors.New("broker full"))
	err = p.PublishEvent("reset", "", Point{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")
	assert.Empty(t, mockClient.GetPublishedMessages())
}
