package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIsTerminal(t *testing.T) {
	cases := []struct {
		kind     EventKind
		terminal bool
	}{
		{KindExecuteResult, true},
		{KindExecuteError, true},
		{KindStream, false},
		{KindDisplayData, false},
		{KindInputRequest, false},
		{KindBackpressureDrop, false},
		{KindExecutionStalled, false},
	}
	for _, c := range cases {
		evt := &Event{Kind: c.kind}
		assert.Equal(t, c.terminal, evt.IsTerminal(), "kind=%s", c.kind)
	}
}

func TestRequestRoundTripsID(t *testing.T) {
	req := NewRequest("execute", map[string]any{"code": "1+1"}, int64(42))
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(42), decoded["id"])
	assert.Equal(t, "execute", decoded["method"])
}

func TestNotificationOmitsID(t *testing.T) {
	note := NewNotification("input_reply", map[string]any{"value": "y"})
	data, err := json.Marshal(note)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, present := decoded["id"]
	assert.False(t, present, "notification must omit id entirely")
}

func TestEventUnionSerializesOnlyPopulatedVariant(t *testing.T) {
	evt := &Event{Kind: KindStream, Stream: &StreamEvent{Name: "stdout", Text: "hi"}}
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasStream := decoded["stream"]
	_, hasExecuteResult := decoded["execute_result"]
	assert.True(t, hasStream)
	assert.False(t, hasExecuteResult)
}

func TestNewErrorResponseCarriesCode(t *testing.T) {
	resp := NewErrorResponse(int64(7), MethodNotFound, "no such method")
	assert.Equal(t, MethodNotFound, resp.Error.Code)
	assert.Equal(t, int64(7), resp.ID)
}
