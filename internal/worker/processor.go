package worker

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

// Telegram is the slice of the bot client the processor uses.
type Telegram interface {
	GetFilePath(ctx context.Context, fileID string) (string, error)
	DownloadFile(ctx context.Context, filePath string) ([]byte, error)
	SendDocument(ctx context.Context, chatID, topicID int64, filename string, payload []byte) error
}

type Converter interface {
	Convert(ctx context.Context, filename string, src []byte, opts entities.ConvertOptions) ([]byte, error)
}

// DedupStore is the durable file_unique_id ledger.
type DedupStore interface {
	Claim(ctx context.Context, fileUniqueID, jobID string) (proceed bool, prior entities.Status, err error)
	MarkSucceeded(ctx context.Context, fileUniqueID string) error
	MarkFailed(ctx context.Context, fileUniqueID, reason string) error
	Release(ctx context.Context, fileUniqueID string) error
}

// Reporter receives terminal outcomes for the batch progress view.
type Reporter interface {
	JobTerminal(jobID string, outcome entities.Outcome)
}

// Processor executes one job: claim, download, convert, upload, record.
// Redelivered duplicates are expected and resolved through the dedup store,
// not through any queue-level exclusivity.
type Processor struct {
	tg       Telegram
	conv     Converter
	dedup    DedupStore
	reporter Reporter
}

func NewProcessor(tg Telegram, conv Converter, dedup DedupStore, reporter Reporter) *Processor {
	return &Processor{tg: tg, conv: conv, dedup: dedup, reporter: reporter}
}

// Process implements queue.Processor. A nil or permanent-fault return acks
// the message; a transient fault leaves it to the queue's retry budget.
func (p *Processor) Process(ctx context.Context, job entities.Job, attempt int) error {
	started := time.Now()

	proceed, prior, err := p.dedup.Claim(ctx, job.FileUniqueID, job.ID)
	if err != nil {
		return faults.New(faults.KindTransient, fmt.Errorf("claim %s: %w", job.FileUniqueID, err))
	}
	if !proceed {
		// Terminal outcome already on record: the ack for an earlier run was
		// lost, or the same file arrived again in another batch.
		log.Printf("[worker] job %s file %s already %s, skipping", job.ID, job.FileUniqueID, prior)
		if prior == entities.StatusSucceeded {
			p.reporter.JobTerminal(job.ID, entities.Outcome{OK: true, FileName: job.FileName})
		} else {
			p.reporter.JobTerminal(job.ID, entities.Outcome{OK: false, FileName: job.FileName, Reason: "файл уже обрабатывался"})
		}
		return nil
	}

	downloadStarted := time.Now()
	filePath, err := p.tg.GetFilePath(ctx, job.FileID)
	if err != nil {
		return p.stepFailed(ctx, job, "resolve", err)
	}
	src, err := p.tg.DownloadFile(ctx, filePath)
	if err != nil {
		return p.stepFailed(ctx, job, "download", err)
	}
	downloadMS := time.Since(downloadStarted).Milliseconds()

	convertStarted := time.Now()
	jpg, err := p.conv.Convert(ctx, job.FileName, src, job.Options)
	if err != nil {
		return p.stepFailed(ctx, job, "convert", err)
	}
	convertMS := time.Since(convertStarted).Milliseconds()

	uploadStarted := time.Now()
	target := targetName(job.FileName)
	if err := p.tg.SendDocument(ctx, job.TargetChatID, job.TargetTopicID, target, jpg); err != nil {
		return p.stepFailed(ctx, job, "upload", err)
	}
	uploadMS := time.Since(uploadStarted).Milliseconds()

	// Record before reporting: a crash between upload and this write means
	// one duplicate upload on redelivery, never a lost success record read
	// as pending forever.
	if err := p.dedup.MarkSucceeded(ctx, job.FileUniqueID); err != nil {
		return faults.New(faults.KindTransient, fmt.Errorf("record success %s: %w", job.FileUniqueID, err))
	}

	log.Printf("[worker] job_success job=%s file=%s attempt=%d download_ms=%d convert_ms=%d upload_ms=%d total_ms=%d in_bytes=%d out_bytes=%d",
		job.ID, job.FileName, attempt, downloadMS, convertMS, uploadMS,
		time.Since(started).Milliseconds(), len(src), len(jpg))

	p.reporter.JobTerminal(job.ID, entities.Outcome{OK: true, FileName: job.FileName})
	return nil
}

// Exhausted implements queue.Processor: the retry budget ran out, record the
// job failed and surface it in the batch summary.
func (p *Processor) Exhausted(ctx context.Context, job entities.Job, cause error) {
	reason := faults.Reason(cause)
	if err := p.dedup.MarkFailed(ctx, job.FileUniqueID, reason); err != nil {
		sentry.CaptureException(err)
		log.Printf("[worker] record exhausted failure for %s: %v", job.FileUniqueID, err)
	}
	p.reporter.JobTerminal(job.ID, entities.Outcome{OK: false, FileName: job.FileName, Reason: reason})
}

// stepFailed routes an error from one pipeline step. Transient faults
// release the claim so a redelivery can take it again; permanent ones are
// recorded terminal right here.
func (p *Processor) stepFailed(ctx context.Context, job entities.Job, step string, cause error) error {
	if faults.IsTransient(cause) {
		if err := p.dedup.Release(ctx, job.FileUniqueID); err != nil {
			log.Printf("[worker] release claim %s: %v", job.FileUniqueID, err)
		}
		return fmt.Errorf("%s %s: %w", step, job.FileName, cause)
	}

	sentry.CaptureException(cause)
	log.Printf("[worker] job_failed job=%s file=%s step=%s kind=%s err=%v",
		job.ID, job.FileName, step, faults.KindOf(cause), cause)

	reason := faults.Reason(cause)
	if err := p.dedup.MarkFailed(ctx, job.FileUniqueID, reason); err != nil {
		// Could not record the permanent outcome; retry the whole job rather
		// than lose it.
		return faults.New(faults.KindTransient, fmt.Errorf("record failure %s: %w", job.FileUniqueID, err))
	}
	p.reporter.JobTerminal(job.ID, entities.Outcome{OK: false, FileName: job.FileName, Reason: reason})
	return fmt.Errorf("%s %s: %w", step, job.FileName, cause)
}

func targetName(fileName string) string {
	base := path.Base(fileName)
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		stem = "file"
	}
	return stem + ".jpg"
}
