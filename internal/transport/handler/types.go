package handler

// Inbound Telegram update envelope, trimmed to the fields the gateway reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID       int64     `json:"message_id"`
	From            *User     `json:"from"`
	Chat            Chat      `json:"chat"`
	MessageThreadID int64     `json:"message_thread_id"`
	Text            string    `json:"text"`
	Document        *Document `json:"document"`
}

type User struct {
	ID int64 `json:"id"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Document struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	FileSize     int64  `json:"file_size"`
}

// Push-delivery envelope for POST /queue/push: the shape Pub/Sub-style
// bridges deliver, with the job JSON base64-encoded in data.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

type PushMessage struct {
	Data            string `json:"data"`
	MessageID       string `json:"messageId"`
	DeliveryAttempt int    `json:"deliveryAttempt"`
}
