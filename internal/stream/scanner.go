package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// maxEventSize bounds a single SSE data line. Image chunks carry base64
// payloads, so this is generous.
const maxEventSize = 4 * 1024 * 1024

// Events iterates the data lines of an upstream SSE body, yielding each
// payload with the {"response": ...} envelope already stripped. Chunk
// boundaries in the transport never split a data line because the scanner
// reassembles full lines.
func Events(reader io.Reader, yield func(event gjson.Result) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		event := gjson.Parse(payload)
		if inner := event.Get("response"); inner.Exists() {
			event = inner
		}
		if err := yield(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
