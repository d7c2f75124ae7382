package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

type Producer struct {
	r      redis.UniversalClient
	stream string
	maxLen int64
}

func NewProducer(r redis.UniversalClient, stream string, maxLen int64) *Producer {
	return &Producer{r: r, stream: stream, maxLen: maxLen}
}

// Publish encodes the job as JSON and appends it to the stream, persisting
// the conversion request for background processing. Returns the stream
// message id.
func (p *Producer) Publish(ctx context.Context, job entities.Job) (string, error) {
	raw, err := encodePayload(job)
	if err != nil {
		return "", err
	}
	return p.r.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload": raw,
			"attempt": 0,
		},
	}).Result()
}
