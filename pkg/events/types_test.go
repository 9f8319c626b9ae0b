package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "run:r-123", RunChannel("r-123"))
	assert.Equal(t, "collection:c-456", CollectionChannel("c-456"))
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"run:r-123", true},
		{"collection:c-456", true},
		{"run:", false},
		{"collection:", false},
		{"", false},
		{"sessions", false},
		{"session:abc", false},
		{"runs:r-1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validChannel(tt.channel), "channel %q", tt.channel)
	}
}

func TestClientMessageDecoding(t *testing.T) {
	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(`{"action":"subscribe","channel":"run:r-1"}`), &msg))
	assert.Equal(t, "subscribe", msg.Action)
	assert.Equal(t, "run:r-1", msg.Channel)
	assert.Nil(t, msg.LastEventID)

	require.NoError(t, json.Unmarshal([]byte(`{"action":"catchup","channel":"run:r-1","last_event_id":42}`), &msg))
	require.NotNil(t, msg.LastEventID)
	assert.Equal(t, int64(42), *msg.LastEventID)
}
