package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEventsAreJSONLines(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	t.Cleanup(restore)

	Info("api", "listening", map[string]any{"addr": ":8080"})
	Warn("fetcher", "feed skipped", nil, nil)
	Error("api", "normalize", errors.New("malformed url"), map[string]any{"input": "localhost"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}

	var events []Event
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		events = append(events, ev)
	}

	if events[0].Level != "info" || events[0].Svc != "api" || events[0].Msg != "listening" {
		t.Fatalf("unexpected info event: %+v", events[0])
	}
	if events[1].Level != "warn" || events[1].Err != "" {
		t.Fatalf("unexpected warn event: %+v", events[1])
	}
	if events[2].Level != "error" || events[2].Err != "malformed url" {
		t.Fatalf("unexpected error event: %+v", events[2])
	}
	if strings.Contains(lines[1], `"extra"`) {
		t.Fatalf("expected nil extra to be omitted: %s", lines[1])
	}
}
