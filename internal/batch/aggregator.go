package batch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jDay-whyT/converterBot-backend/internal/config"
	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

// Aggregator keeps at most one open batch per owner, routes job outcomes to
// the batch that accepted the job, and closes batches once the window has
// elapsed and every member is terminal.
type Aggregator struct {
	mu      sync.Mutex
	byOwner map[int64]*Batch
	byJob   map[string]*Batch

	notifier Notifier
	cfg      config.BatchConfig
}

func New(notifier Notifier, cfg config.BatchConfig) *Aggregator {
	return &Aggregator{
		byOwner:  map[int64]*Batch{},
		byJob:    map[string]*Batch{},
		notifier: notifier,
		cfg:      cfg,
	}
}

// JobAccepted appends the job to the owner's open batch, creating one (and
// its progress message) when this is the first file of a new window.
func (a *Aggregator) JobAccepted(ctx context.Context, job entities.Job) {
	a.place(ctx, job.OwnerID, job.ChatID, job.TopicID, job.ID, job.FileName)
}

// JobRejected records a file that never became a job (oversized upload) as
// an immediately failed member, so the user sees it in the same progress
// view as everything else.
func (a *Aggregator) JobRejected(ctx context.Context, ownerID, chatID, topicID int64, fileName, reason string) {
	b, idx := a.place(ctx, ownerID, chatID, topicID, "", fileName)

	b.mu.Lock()
	b.members[idx].status = entities.StatusFailed
	a.applyOutcomeLocked(b, entities.Outcome{OK: false, FileName: fileName, Reason: reason})
	closed := a.maybeCloseLocked(b)
	b.mu.Unlock()
	if closed {
		a.evict(b)
	}
}

// JobTerminal records a member's terminal outcome and debounces the
// progress edit. Unknown jobs (state lost over a restart, redelivery after
// closure) are logged and dropped; the dedup store has the durable record.
func (a *Aggregator) JobTerminal(jobID string, outcome entities.Outcome) {
	a.mu.Lock()
	b := a.byJob[jobID]
	a.mu.Unlock()
	if b == nil {
		log.Printf("[batch] terminal outcome for unknown job %s (file %s)", jobID, outcome.FileName)
		return
	}

	b.mu.Lock()
	for i := range b.members {
		if b.members[i].jobID != jobID {
			continue
		}
		if b.members[i].status == entities.StatusSucceeded || b.members[i].status == entities.StatusFailed {
			// Redelivered ack loss: the outcome is already counted.
			b.mu.Unlock()
			return
		}
		if outcome.OK {
			b.members[i].status = entities.StatusSucceeded
		} else {
			b.members[i].status = entities.StatusFailed
		}
		break
	}
	a.applyOutcomeLocked(b, outcome)
	closed := a.maybeCloseLocked(b)
	b.mu.Unlock()
	if closed {
		a.evict(b)
	}
}

// place puts the file into the owner's open batch. The window can elapse
// between looking the batch up and appending to it, so membership is only
// granted by join under the batch lock; a lost race retries against a fresh
// batch.
func (a *Aggregator) place(ctx context.Context, ownerID, chatID, topicID int64, jobID, fileName string) (*Batch, int) {
	for {
		b := a.adopt(ownerID, chatID, topicID, jobID)
		if idx, ok := a.join(ctx, b, jobID, fileName); ok {
			return b, idx
		}
	}
}

// adopt returns the owner's open batch, creating one with a fixed window
// from first arrival when there is none.
func (a *Aggregator) adopt(ownerID, chatID, topicID int64, jobID string) *Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.byOwner[ownerID]
	if b == nil || !a.isOpen(b) {
		b = &Batch{
			ownerID:   ownerID,
			chatID:    chatID,
			topicID:   topicID,
			createdAt: time.Now(),
		}
		a.byOwner[ownerID] = b
		time.AfterFunc(a.cfg.WindowSeconds*time.Second, func() { a.windowElapsed(b) })
	}
	if jobID != "" {
		a.byJob[jobID] = b
	}
	return b
}

func (a *Aggregator) isOpen(b *Batch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}

// join appends a member to the batch, refusing once the window has elapsed.
func (a *Aggregator) join(ctx context.Context, b *Batch, jobID, fileName string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return 0, false
	}
	b.total++
	b.members = append(b.members, member{jobID: jobID, fileName: fileName, status: entities.StatusPending})
	idx := len(b.members) - 1
	if idx == 0 {
		// First member: create the progress message the whole batch shares.
		id, err := a.notifier.SendMessage(ctx, b.chatID, b.topicID, a.renderProgress(b, false))
		if err != nil {
			log.Printf("[batch] initial progress message for user %d failed: %v", b.ownerID, err)
			return idx, true
		}
		b.progressMessageID = id
	}
	return idx, true
}

// applyOutcomeLocked updates counters and decides whether this completion is
// user-visible now. Edits are flood-control limited, so successes are
// coalesced up to the configured threshold; failures surface immediately.
func (a *Aggregator) applyOutcomeLocked(b *Batch, outcome entities.Outcome) {
	b.processed++
	b.updateCounter++
	if outcome.OK {
		b.success++
	} else {
		b.failed++
		if outcome.Reason != "" {
			b.errors = append(b.errors, fmt.Sprintf("ошибка на файле %s (%s)", outcome.FileName, outcome.Reason))
		}
	}

	if !outcome.OK || b.updateCounter >= a.cfg.UpdateThreshold {
		a.editProgressLocked(b, false)
		b.updateCounter = 0
	}
}

// maybeCloseLocked transitions a Draining batch with no in-flight members to
// Closed and emits the final summary. Returns true when the batch closed.
func (a *Aggregator) maybeCloseLocked(b *Batch) bool {
	if b.state != stateDraining || b.processed < b.total {
		return false
	}
	b.state = stateClosed
	a.editProgressLocked(b, true)
	return true
}

func (a *Aggregator) windowElapsed(b *Batch) {
	b.mu.Lock()
	if b.state == stateOpen {
		b.state = stateDraining
	}
	closed := a.maybeCloseLocked(b)
	b.mu.Unlock()
	if closed {
		a.evict(b)
	}
}

// evict discards all registry state for a closed batch.
func (a *Aggregator) evict(b *Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.byOwner[b.ownerID] == b {
		delete(a.byOwner, b.ownerID)
	}
	for id, owner := range a.byJob {
		if owner == b {
			delete(a.byJob, id)
		}
	}
}

func (a *Aggregator) editProgressLocked(b *Batch, final bool) {
	if b.progressMessageID == 0 {
		return
	}
	// Progress edits use their own context: a terminal report must not be
	// lost because the delivering request already finished.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.notifier.EditMessageText(ctx, b.chatID, b.progressMessageID, a.renderProgress(b, final)); err != nil {
		log.Printf("[batch] progress edit for user %d failed: %v", b.ownerID, err)
	}
}

func (a *Aggregator) renderProgress(b *Batch, final bool) string {
	lines := []string{
		fmt.Sprintf("Пачка от user %d", b.ownerID),
		fmt.Sprintf("Обработано: %d/%d", b.processed, b.total),
		fmt.Sprintf("Успешно: %d", b.success),
		fmt.Sprintf("Ошибок: %d", b.failed),
	}
	if n := len(b.errors); n > 0 {
		keep := b.errors
		// Only the tail fits a chat message; older lines scroll away.
		if max := a.cfg.MaxErrorLines; max > 0 && n > max {
			keep = b.errors[n-max:]
		}
		lines = append(lines, keep...)
	}
	if final {
		lines = append(lines, "Пачка закрыта")
	}
	return strings.Join(lines, "\n")
}
