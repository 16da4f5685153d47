package execution

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Name string
	Data string
}

// readEvents parses a text/event-stream body and calls fn per event. fn
// returning io.EOF stops reading without error. Lines longer than maxLine
// fail the read.
func readEvents(r io.Reader, maxLine int, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)

	var (
		name string
		data []string
	)
	dispatch := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		ev := sseEvent{Name: name, Data: strings.Join(data, "\n")}
		if ev.Name == "" {
			ev.Name = "message"
		}
		name, data = "", nil
		return fn(ev)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := dispatch(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// relayEvents forwards upstream events as run output until "end". An
// "error" event fails the run with the upstream message.
func relayEvents(ctx context.Context, body io.Reader, maxLine int64, in Input) (json.RawMessage, error) {
	if maxLine > 1<<30 {
		maxLine = 1 << 30
	}
	var result json.RawMessage
	err := readEvents(body, int(maxLine), func(ev sseEvent) error {
		data := json.RawMessage(ev.Data)
		if !json.Valid(data) {
			quoted, err := json.Marshal(ev.Data)
			if err != nil {
				return err
			}
			data = quoted
		}
		switch ev.Name {
		case "end":
			return io.EOF
		case "error":
			var body struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(data, &body) != nil || body.Message == "" {
				body.Message = ev.Data
			}
			return fmt.Errorf("upstream error: %s", body.Message)
		case StreamValues:
			result = data
		}
		in.Send(ev.Name, data)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if result == nil {
		return json.RawMessage(`null`), nil
	}
	return result, nil
}
