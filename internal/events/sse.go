package events

import (
	"bufio"
	"io"
	"strings"
)

const maxFrameSize = 1 << 20

// frame is one dispatched server-sent event
type frame struct {
	Event string
	Data  string
	ID    string
}

// readFrames parses an event stream and calls fn for every frame with data.
// It returns the scanner error, or io.EOF when the server closed the stream.
func readFrames(r io.Reader, fn func(frame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	var cur frame
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if len(data) > 0 {
				cur.Data = strings.Join(data, "\n")
				fn(cur)
			}
			cur = frame{ID: cur.ID}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			cur.Event = value
		case "id":
			cur.ID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
