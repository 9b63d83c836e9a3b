package stream

import (
	"io"

	"github.com/tidwall/gjson"
)

// StreamGemini passes upstream events through to a native Gemini client.
// The only transformation is stripping the {"response": ...} envelope from
// each data line, which Events already does.
func StreamGemini(reader io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errs)

		err := Events(reader, func(event gjson.Result) error {
			lines <- []byte(event.Raw)
			return nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return lines, errs
}
