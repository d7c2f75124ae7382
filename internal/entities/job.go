package entities

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one conversion unit pushed through the queue.
// No bytes here, workers fetch from Telegram by FileID.
type Job struct {
	ID           string `json:"id"`
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"` // dedup key, stable across re-sends
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type,omitempty"`

	// Where the file came from. TopicID is the forum thread the progress
	// message lives in.
	ChatID    int64 `json:"chat_id"`
	TopicID   int64 `json:"topic_id"`
	MessageID int64 `json:"message_id"`
	OwnerID   int64 `json:"owner_id"`

	// Where the converted artifact goes.
	TargetChatID  int64 `json:"target_chat_id"`
	TargetTopicID int64 `json:"target_topic_id"`

	Options ConvertOptions `json:"options"`

	Created time.Time `json:"created"`
}

// ConvertOptions are immutable once the job is enqueued.
type ConvertOptions struct {
	Quality int `json:"quality"`
	MaxSide int `json:"max_side,omitempty"`
}

// Outcome is the terminal result the worker reports to the aggregator.
type Outcome struct {
	OK       bool
	FileName string
	Reason   string // short category, empty on success
}
