package stream

import (
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-hub/pkg/openai"
)

func drainOpenAI(t *testing.T, body string) ([]*openai.ChatCompletionChunk, error) {
	t.Helper()
	chunks, errs := StreamOpenAI(strings.NewReader(body), "gemini-3-flash")
	var out []*openai.ChatCompletionChunk
	for chunk := range chunks {
		out = append(out, chunk)
	}
	return out, <-errs
}

func TestStreamOpenAIBasic(t *testing.T) {
	body := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}}\n\n" +
		"data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}]}}\n\n"

	chunks, err := drainOpenAI(t, body)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.True(t, strings.HasPrefix(chunks[0].ID, "chatcmpl-"))
	assert.Equal(t, chunks[0].ID, chunks[1].ID)
	assert.Equal(t, "chat.completion.chunk", chunks[0].Object)
	assert.Equal(t, "gemini-3-flash", chunks[0].Model)

	assert.Equal(t, "Hel", chunks[0].Choices[0].Delta.Content)
	assert.Nil(t, chunks[0].Choices[0].FinishReason)

	assert.Equal(t, "lo", chunks[1].Choices[0].Delta.Content)
	require.NotNil(t, chunks[1].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[1].Choices[0].FinishReason)
}

func TestStreamOpenAIDropsKeepAlivesAndThoughts(t *testing.T) {
	body := "data: {\"candidates\":[{\"content\":{\"parts\":[]}}]}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"planning\",\"thought\":true}]}}]}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"answer\"}]},\"finishReason\":\"STOP\"}]}\n\n"

	chunks, err := drainOpenAI(t, body)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "answer", chunks[0].Choices[0].Delta.Content)
}

func TestStreamOpenAISynthesizesFinalStop(t *testing.T) {
	body := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n"

	chunks, err := drainOpenAI(t, body)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	final := chunks[1]
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)
	assert.Empty(t, final.Choices[0].Delta.Content)
}

func TestStreamOpenAIMaxTokensFinish(t *testing.T) {
	body := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]},\"finishReason\":\"MAX_TOKENS\"}]}\n\n"

	chunks, err := drainOpenAI(t, body)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "length", *chunks[0].Choices[0].FinishReason)
}

func TestStreamOpenAIChunkSplitInvariance(t *testing.T) {
	body := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hello\"}]},\"finishReason\":\"STOP\"}]}\n\n"

	whole, err := drainOpenAI(t, body)
	require.NoError(t, err)

	chunks, errs := StreamOpenAI(iotest.OneByteReader(strings.NewReader(body)), "gemini-3-flash")
	var split []*openai.ChatCompletionChunk
	for chunk := range chunks {
		split = append(split, chunk)
	}
	require.NoError(t, <-errs)

	require.Equal(t, len(whole), len(split))
	for i := range whole {
		assert.Equal(t, whole[i].Choices[0].Delta.Content, split[i].Choices[0].Delta.Content)
	}
}
