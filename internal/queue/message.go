package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

// Streams derived from the main stream name.
func retryStream(stream string) string { return stream + ":retry" }
func deadStream(stream string) string  { return stream + ":dead" }

// message is the envelope stored in the stream. The job travels as JSON in
// "payload"; "attempt" counts deliveries so far; "not_before" (retry stream
// only) is the unix second the message becomes due.
type message struct {
	ID      string
	Job     entities.Job
	Attempt int
}

func encodePayload(job entities.Job) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return string(raw), nil
}

func decodeMessage(id string, values map[string]any) (message, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return message{}, fmt.Errorf("message %s has no payload", id)
	}
	var job entities.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return message{}, fmt.Errorf("message %s: decode job: %w", id, err)
	}
	return message{ID: id, Job: job, Attempt: toInt(values["attempt"])}, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		var x int64
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}

// backoffDelay grows exponentially from min per attempt and never exceeds max.
func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	delay := min
	for i := 0; i < attempt; i++ {
		delay <<= 1
		if delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
