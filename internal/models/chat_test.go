package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentUnmarshalString(t *testing.T) {
	var m MessageContent
	require.NoError(t, json.Unmarshal([]byte(`"hello there"`), &m))
	assert.False(t, m.IsArray)
	assert.Equal(t, "hello there", m.String())
}

func TestMessageContentUnmarshalArray(t *testing.T) {
	var m MessageContent
	raw := `[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.True(t, m.IsArray)
	assert.Equal(t, "part one\npart two", m.String())
}

func TestMessageContentRoundTrip(t *testing.T) {
	m := MessageContent{Text: "plain", IsArray: false}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `"plain"`, string(data))

	var back MessageContent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.Text, back.Text)
}

func TestLastUserMessage(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{
		{Role: "system", Content: MessageContent{Text: "sys"}},
		{Role: "user", Content: MessageContent{Text: "first"}},
		{Role: "assistant", Content: MessageContent{Text: "reply"}},
		{Role: "user", Content: MessageContent{Text: "second"}},
	}}
	assert.Equal(t, "second", LastUserMessage(req))
}

func TestLastUserMessagesOldestFirst(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{
		{Role: "user", Content: MessageContent{Text: "one"}},
		{Role: "user", Content: MessageContent{Text: "two"}},
		{Role: "user", Content: MessageContent{Text: "three"}},
		{Role: "user", Content: MessageContent{Text: "four"}},
	}}
	got := LastUserMessages(req, 3)
	assert.Equal(t, []string{"two", "three", "four"}, got)
}

func TestLastUserMessagesFewerThanK(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{
		{Role: "user", Content: MessageContent{Text: "only"}},
	}}
	got := LastUserMessages(req, 3)
	assert.Equal(t, []string{"only"}, got)
}
