package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jDay-whyT/converterBot-backend/internal/config"
	"github.com/jDay-whyT/converterBot-backend/internal/entities"
	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

type fakePublisher struct {
	jobs []entities.Job
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, job entities.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("1-%d", len(f.jobs)), nil
}

type fakeAggregator struct {
	accepted []entities.Job
	rejected []string
}

func (f *fakeAggregator) JobAccepted(_ context.Context, job entities.Job) {
	f.accepted = append(f.accepted, job)
}

func (f *fakeAggregator) JobRejected(_ context.Context, _, _, _ int64, fileName, reason string) {
	f.rejected = append(f.rejected, fileName+": "+reason)
}

type fakeReplier struct {
	replies []string
}

func (f *fakeReplier) SendMessage(_ context.Context, _, _ int64, text string) (int64, error) {
	f.replies = append(f.replies, text)
	return 1, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			WebhookSecret:  "s3cret",
			ChatID:         -100,
			SourceTopicID:  7,
			TargetTopicID:  9,
			AllowedEditors: []int64{42},
			MaxFileMB:      40,
		},
		Converter: config.ConverterConfig{Quality: 92, MaxSide: 2560},
	}
}

func documentUpdate(userID int64, name string, size int64) string {
	return fmt.Sprintf(`{
		"update_id": 1,
		"message": {
			"message_id": 10,
			"from": {"id": %d},
			"chat": {"id": -100},
			"message_thread_id": 7,
			"document": {
				"file_id": "f1",
				"file_unique_id": "u1",
				"file_name": %q,
				"file_size": %d
			}
		}
	}`, userID, name, size)
}

func postWebhook(t *testing.T, h *Handler, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)
	return rr
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	pub := &fakePublisher{}
	agg := &fakeAggregator{}
	h := New(pub, agg, &fakeReplier{}, testConfig())

	rr := postWebhook(t, h, "wrong", documentUpdate(42, "a.dng", 1000))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, pub.jobs, "no side effect on auth failure")
	require.Empty(t, agg.accepted)
}

func TestWebhookAcceptsAndEnqueues(t *testing.T) {
	pub := &fakePublisher{}
	agg := &fakeAggregator{}
	h := New(pub, agg, &fakeReplier{}, testConfig())

	rr := postWebhook(t, h, "s3cret", documentUpdate(42, "shot.dng", 1000))
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, pub.jobs, 1)
	job := pub.jobs[0]
	require.Equal(t, "u1", job.FileUniqueID)
	require.Equal(t, "shot.dng", job.FileName)
	require.EqualValues(t, 42, job.OwnerID)
	require.EqualValues(t, -100, job.TargetChatID)
	require.EqualValues(t, 9, job.TargetTopicID)
	require.Equal(t, 92, job.Options.Quality)
	require.NotEmpty(t, job.ID)

	require.Len(t, agg.accepted, 1)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp["status"])
}

func TestWebhookPublishFailureIsRetryable(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	agg := &fakeAggregator{}
	h := New(pub, agg, &fakeReplier{}, testConfig())

	rr := postWebhook(t, h, "s3cret", documentUpdate(42, "shot.dng", 1000))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Empty(t, agg.accepted, "nothing accepted when enqueue fails")
}

func TestWebhookIgnoresDisallowedUser(t *testing.T) {
	pub := &fakePublisher{}
	rep := &fakeReplier{}
	h := New(pub, &fakeAggregator{}, rep, testConfig())

	rr := postWebhook(t, h, "s3cret", documentUpdate(99, "shot.dng", 1000))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, pub.jobs)
	require.Equal(t, []string{"Нет доступа"}, rep.replies)
}

func TestWebhookIgnoresWrongTopic(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, &fakeAggregator{}, &fakeReplier{}, testConfig())

	body := `{"update_id":1,"message":{"message_id":10,"from":{"id":42},"chat":{"id":-100},
		"message_thread_id":8,"document":{"file_id":"f1","file_unique_id":"u1","file_name":"a.dng","file_size":10}}}`
	rr := postWebhook(t, h, "s3cret", body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, pub.jobs)
}

func TestWebhookIgnoresUnsupportedExtension(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, &fakeAggregator{}, &fakeReplier{}, testConfig())

	rr := postWebhook(t, h, "s3cret", documentUpdate(42, "notes.pdf", 1000))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, pub.jobs)
}

func TestWebhookRejectsOversizedFile(t *testing.T) {
	pub := &fakePublisher{}
	agg := &fakeAggregator{}
	h := New(pub, agg, &fakeReplier{}, testConfig())

	rr := postWebhook(t, h, "s3cret", documentUpdate(42, "huge.dng", 41<<20))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, pub.jobs, "oversized file never becomes a job")
	require.Equal(t, []string{"huge.dng: слишком большой файл"}, agg.rejected)
}

func TestWebhookStartCommand(t *testing.T) {
	rep := &fakeReplier{}
	h := New(&fakePublisher{}, &fakeAggregator{}, rep, testConfig())

	body := `{"update_id":1,"message":{"message_id":10,"from":{"id":42},"chat":{"id":-100},"text":"/start"}}`
	rr := postWebhook(t, h, "s3cret", body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"Готов конвертировать документы в JPG"}, rep.replies)
}

type fakeProc struct {
	err  error
	jobs []entities.Job
}

func (f *fakeProc) Process(_ context.Context, job entities.Job, _ int) error {
	f.jobs = append(f.jobs, job)
	return f.err
}

func pushBody(t *testing.T, job entities.Job, attempt int) string {
	t.Helper()
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	env := PushEnvelope{Message: PushMessage{
		Data:            base64.StdEncoding.EncodeToString(raw),
		MessageID:       "m1",
		DeliveryAttempt: attempt,
	}}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return string(body)
}

func postPush(h *PushHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/queue/push", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Push(rr, req)
	return rr
}

func TestPushAcksSuccess(t *testing.T) {
	proc := &fakeProc{}
	h := NewPushHandler(proc)

	job := entities.Job{ID: "j1", FileID: "f1", FileUniqueID: "u1"}
	rr := postPush(h, pushBody(t, job, 1))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, proc.jobs, 1)
}

func TestPushNacksTransientFailure(t *testing.T) {
	proc := &fakeProc{err: faults.Newf(faults.KindTransient, "tg down")}
	h := NewPushHandler(proc)

	rr := postPush(h, pushBody(t, entities.Job{ID: "j1", FileID: "f1", FileUniqueID: "u1"}, 1))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestPushAcksPermanentFailure(t *testing.T) {
	proc := &fakeProc{err: faults.Newf(faults.KindPermanent, "corrupt")}
	h := NewPushHandler(proc)

	rr := postPush(h, pushBody(t, entities.Job{ID: "j1", FileID: "f1", FileUniqueID: "u1"}, 1))
	require.Equal(t, http.StatusOK, rr.Code, "permanent failures must not trigger redelivery")
}

func TestPushIgnoresEmptyData(t *testing.T) {
	h := NewPushHandler(&fakeProc{})
	rr := postPush(h, `{"message":{"messageId":"m1"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "no_data")
}

func TestPushRejectsInvalidJSON(t *testing.T) {
	h := NewPushHandler(&fakeProc{})
	rr := postPush(h, "{not json")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSupportedExtension(t *testing.T) {
	require.True(t, supportedExtension("a.HEIC"))
	require.True(t, supportedExtension("b.dng"))
	require.True(t, supportedExtension("c.webp"))
	require.False(t, supportedExtension("d.jpg"))
	require.False(t, supportedExtension("noext"))
}
