package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTopics(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "How do I fix this bug in my python code?"},
		{Role: RoleAssistant, Content: "Try docker"}, // assistant turns are ignored
		{Role: RoleUser, Content: "thanks!"},
	}
	topics := ExtractTopics(messages)
	assert.Equal(t, []string{"casual", "help", "programming"}, topics)
}

func TestExtractTopicsEmpty(t *testing.T) {
	assert.Empty(t, ExtractTopics(nil))
	assert.Empty(t, ExtractTopics([]Message{{Role: RoleUser, Content: "xyzzy"}}))
}

func TestExtractFactsName(t *testing.T) {
	facts, _ := ExtractFacts("Hello, my name is Alice.")
	assert.Contains(t, facts, "Name: Alice")

	facts, _ = ExtractFacts("my name is x") // too short
	assert.NotContains(t, facts, "Name: x")
}

func TestExtractFactsLanguagesAndInterests(t *testing.T) {
	facts, prefs := ExtractFacts("I mostly write rust and some go , and I love machine learning. Speak english please.")
	assert.Contains(t, facts, "Programs in rust")
	assert.Contains(t, facts, "Programs in go")
	assert.Contains(t, facts, "Interested in AI and machine learning")
	assert.Equal(t, map[string]any{"language": "en"}, prefs)
}

func TestExtractFactsNothing(t *testing.T) {
	facts, prefs := ExtractFacts("what a nice day")
	assert.Empty(t, facts)
	assert.Nil(t, prefs)
}

func TestEntryValueShapes(t *testing.T) {
	cases := []struct {
		value EntryValue
		json  string
	}{
		{TextValue("hello"), `"hello"`},
		{NumberValue(42), `42`},
		{BoolValue(true), `true`},
		{ObjectValue(map[string]any{"k": "v"}), `{"k":"v"}`},
		{ListValue([]any{"a", "b"}), `["a","b"]`},
	}
	for _, tc := range cases {
		data, err := tc.value.MarshalJSON()
		assert.NoError(t, err)
		assert.JSONEq(t, tc.json, string(data))

		var back EntryValue
		assert.NoError(t, back.UnmarshalJSON(data))
		assert.Equal(t, tc.value.Type, back.Type)
	}
}
