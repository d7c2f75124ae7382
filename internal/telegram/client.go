package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

const apiBase = "https://api.telegram.org"

// Client is a thin Bot API wrapper covering the five methods the pipeline
// needs: getFile, file download, sendDocument, sendMessage, editMessageText.
type Client struct {
	token      string
	baseURL    string
	fileURL    string
	httpClient *http.Client

	maxRetries int // per-call budget for flood-control waits
}

func NewClient(token string) *Client {
	return &Client{
		token:      token,
		baseURL:    apiBase,
		fileURL:    apiBase,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		maxRetries: 2,
	}
}

// WithBaseURL points the client at a different API host. Used by tests.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	c.fileURL = base
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type fileInfo struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// call performs one Bot API method with flood-control retries. A 429 with
// retry_after sleeps retry_after+1 seconds and tries again, up to
// maxRetries times, matching Telegram's own guidance.
func (c *Client) call(ctx context.Context, method string, contentType string, body func() (io.Reader, error), out any) error {
	attempt := 0
	for {
		reader, err := body()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method), reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return faults.New(faults.KindTransient, fmt.Errorf("telegram %s: %w", method, err))
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return faults.New(faults.KindTransient, fmt.Errorf("telegram %s: read body: %w", method, err))
		}

		var api apiResponse
		if err := json.Unmarshal(data, &api); err != nil {
			return faults.New(faults.KindTransient, fmt.Errorf("telegram %s: decode: %w", method, err))
		}
		if api.OK {
			if out != nil && len(api.Result) > 0 {
				return json.Unmarshal(api.Result, out)
			}
			return nil
		}

		if api.ErrorCode == http.StatusTooManyRequests && api.Parameters != nil {
			attempt++
			if attempt > c.maxRetries {
				return faults.Newf(faults.KindTransient, "telegram %s: flood control, retries exhausted", method)
			}
			wait := time.Duration(api.Parameters.RetryAfter+1) * time.Second
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return classify(method, api.ErrorCode, api.Description)
	}
}

func classify(method string, code int, description string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return faults.Newf(faults.KindAuth, "telegram %s: %d %s", method, code, description)
	case code == http.StatusTooManyRequests || code >= 500:
		// Rate limiting clears on its own; the queue's backoff handles the
		// wait when the answer carried no retry_after.
		return faults.Newf(faults.KindTransient, "telegram %s: %d %s", method, code, description)
	default:
		return faults.Newf(faults.KindPermanent, "telegram %s: %d %s", method, code, description)
	}
}

// GetFilePath resolves a file_id into a downloadable path.
func (c *Client) GetFilePath(ctx context.Context, fileID string) (string, error) {
	form := url.Values{"file_id": {fileID}}
	var info fileInfo
	err := c.call(ctx, "getFile", "application/x-www-form-urlencoded", func() (io.Reader, error) {
		return strings.NewReader(form.Encode()), nil
	}, &info)
	if err != nil {
		return "", err
	}
	if info.FilePath == "" {
		return "", faults.Newf(faults.KindTransient, "telegram getFile: empty file_path for %s", fileID)
	}
	return info.FilePath, nil
}

// DownloadFile fetches the raw bytes behind a path returned by GetFilePath.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	u := fmt.Sprintf("%s/file/bot%s/%s", c.fileURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.New(faults.KindTransient, fmt.Errorf("telegram download: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify("download", resp.StatusCode, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.New(faults.KindTransient, fmt.Errorf("telegram download: %w", err))
	}
	return data, nil
}

// SendDocument uploads a document to a chat topic.
func (c *Client) SendDocument(ctx context.Context, chatID, topicID int64, filename string, payload []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if topicID != 0 {
		_ = mw.WriteField("message_thread_id", strconv.FormatInt(topicID, 10))
	}
	fw, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return err
	}
	if _, err := fw.Write(payload); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	// The encoded body is reread from the start on every flood-control retry,
	// so the boundary in the content type always matches.
	raw := buf.Bytes()
	return c.call(ctx, "sendDocument", mw.FormDataContentType(), func() (io.Reader, error) {
		return bytes.NewReader(raw), nil
	}, nil)
}

// SendMessage posts text to a chat topic and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID, topicID int64, text string) (int64, error) {
	form := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}
	if topicID != 0 {
		form.Set("message_thread_id", strconv.FormatInt(topicID, 10))
	}
	var msg sentMessage
	err := c.call(ctx, "sendMessage", "application/x-www-form-urlencoded", func() (io.Reader, error) {
		return strings.NewReader(form.Encode()), nil
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText replaces the text of an existing message. Telegram rejects
// an edit that changes nothing; that case is not an error for us.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	form := url.Values{
		"chat_id":    {strconv.FormatInt(chatID, 10)},
		"message_id": {strconv.FormatInt(messageID, 10)},
		"text":       {text},
	}
	err := c.call(ctx, "editMessageText", "application/x-www-form-urlencoded", func() (io.Reader, error) {
		return strings.NewReader(form.Encode()), nil
	}, nil)
	if err != nil && isNotModified(err) {
		return nil
	}
	return err
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
