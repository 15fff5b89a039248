package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTemplateFallback(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You are helpful."},
		{Role: RoleUser, Content: "What is 2+2?"},
	}

	prompt, err := ApplyTemplate("", msgs)
	require.NoError(t, err)

	want := "<|system|>\nYou are helpful.<|end|>\n" +
		"<|user|>\nWhat is 2+2?<|end|>\n" +
		"<|assistant|>\n"
	assert.Equal(t, want, prompt)

	// unrecognized names render the same fallback
	unknown, err := ApplyTemplate("no-such-template", msgs)
	require.NoError(t, err)
	assert.Equal(t, want, unknown)
}

func TestApplyTemplateChatML(t *testing.T) {
	prompt, err := ApplyTemplate("chatml", []Message{
		{Role: RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n", prompt)
}

func TestApplyTemplateLlama3(t *testing.T) {
	prompt, err := ApplyTemplate("llama3", []Message{
		{Role: RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(prompt, "<|begin_of_text|>"))
	assert.True(t, strings.HasSuffix(prompt, "<|start_header_id|>assistant<|end_header_id|>\n\n"))
	assert.Contains(t, prompt, "hi<|eot_id|>")
}

func TestApplyTemplateValidation(t *testing.T) {
	_, err := ApplyTemplate("", nil)
	assert.ErrorIs(t, err, ErrEmptyMessages)

	_, err = ApplyTemplate("", []Message{{Role: "tool", Content: "x"}})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestApplyTemplateEndsWithAssistantOpener(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "q"}}

	for name := range templates {
		prompt, err := ApplyTemplate(name, msgs)
		require.NoError(t, err, name)
		assert.Contains(t, prompt[strings.LastIndex(prompt, "q")+1:], "assistant", name)
	}
}
