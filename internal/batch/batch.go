package batch

import (
	"context"
	"sync"
	"time"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

// Notifier is the slice of the Telegram client the reporter needs.
type Notifier interface {
	SendMessage(ctx context.Context, chatID, topicID int64, text string) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
}

type state int

const (
	stateOpen state = iota
	stateDraining
	stateClosed
)

type member struct {
	jobID    string
	fileName string
	status   entities.Status
}

// Batch groups one user's uploads inside a time window behind a single
// progress message. All mutation happens under mu, so edits to the progress
// message never interleave.
type Batch struct {
	mu sync.Mutex

	ownerID int64
	chatID  int64
	topicID int64

	createdAt time.Time
	state     state

	members   []member
	total     int
	processed int
	success   int
	failed    int
	errors    []string

	progressMessageID int64
	updateCounter     int
}

// Snapshot returns the current counters. Used by tests and the health
// endpoint; the batch keeps mutating after it returns.
func (b *Batch) Snapshot() (processed, total, success, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed, b.total, b.success, b.failed
}
