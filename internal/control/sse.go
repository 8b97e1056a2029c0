package control

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/drewfead/triage/internal/bridge"
)

const maxFrameSize = 8 * 1024 * 1024

// writeEvent writes one SSE frame: "event: <type>\ndata: <json>\n\n".
func writeEvent(w io.Writer, ev bridge.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// ReadEvents decodes SSE frames from r and calls fn for each until r ends or
// fn returns an error. Comment lines and unknown fields are ignored.
func ReadEvents(r io.Reader, fn func(bridge.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	var (
		eventType string
		data      bytes.Buffer
	)
	dispatch := func() error {
		defer func() {
			eventType = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		if eventType == "" {
			eventType = "message"
		}
		t := bridge.EventType(eventType)
		payload, err := bridge.DecodePayload(t, data.Bytes())
		if err != nil {
			return fmt.Errorf("decode %s event: %w", t, err)
		}
		return fn(bridge.Event{Type: t, Payload: payload})
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return dispatch()
}
