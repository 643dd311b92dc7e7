package backend

import "encoding/json"

// streamEvent is one line of the subprocess's newline-delimited JSON
// stream. The exact field set is backend-specific; only the fields the
// adapter contract cares about are typed, the rest round-trips via Raw.
type streamEvent struct {
	Type          string          `json:"type"`
	Delta         string          `json:"delta,omitempty"`
	Response      string          `json:"response,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	DurationAPIMs int64           `json:"durationApiMs,omitempty"`
	CostUSD       float64         `json:"costUsd,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

const (
	eventTextDelta = "text-delta"
	eventResult    = "result"
)

func parseStreamLine(line []byte) (streamEvent, bool) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return streamEvent{}, false
	}
	ev.Raw = line
	return ev, true
}
