package stream

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamGeminiPassthrough(t *testing.T) {
	body := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"b\"}]},\"finishReason\":\"STOP\"}]}\n\n"

	lines, errs := StreamGemini(strings.NewReader(body))
	var out []string
	for line := range lines {
		out = append(out, string(line))
	}
	require.NoError(t, <-errs)

	require.Len(t, out, 2)
	assert.JSONEq(t, `{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}`, out[0])
	assert.JSONEq(t, `{"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"STOP"}]}`, out[1])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind string
		key  string
	}{
		{errors.New("context deadline exceeded"), "timeout", "errors.stream.timeout_error"},
		{errors.New("dial tcp: connection refused"), "connection", "errors.stream.connection_error"},
		{errors.New("invalid character 'x' looking for beginning of value"), "decode", "errors.stream.decode_error"},
		{errors.New("unexpected EOF"), "stream", "errors.stream.stream_error"},
		{errors.New("something odd"), "unknown", "errors.stream.unknown_error"},
		{nil, "unknown", "errors.stream.unknown_error"},
	}
	for _, tt := range tests {
		class := Classify(tt.err)
		assert.Equal(t, tt.kind, class.Kind)
		assert.Equal(t, tt.key, class.I18nKey)
		assert.NotEmpty(t, class.Message)
	}
}
