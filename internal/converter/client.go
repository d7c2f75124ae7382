package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/jDay-whyT/converterBot-backend/internal/config"
	"github.com/jDay-whyT/converterBot-backend/internal/entities"
	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

// minOutputBytes guards against a converter that answers 200 with a
// truncated or empty body.
const minOutputBytes = 100

// Client talks to the conversion service: multipart file in, JPEG bytes out.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg *config.ConverterConfig) *Client {
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout * time.Second},
	}
}

// Convert posts the source bytes and returns the converted JPEG.
// 4xx answers mean the input itself cannot be converted and are permanent;
// 5xx and network errors are transient and leave the job to queue retry.
func (c *Client) Convert(ctx context.Context, filename string, src []byte, opts entities.ConvertOptions) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(src); err != nil {
		return nil, err
	}
	_ = mw.WriteField("quality", strconv.Itoa(opts.Quality))
	if opts.MaxSide > 0 {
		_ = mw.WriteField("max_side", strconv.Itoa(opts.MaxSide))
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.New(faults.KindTransient, fmt.Errorf("converter request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.New(faults.KindTransient, fmt.Errorf("converter response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if len(body) < minOutputBytes {
			return nil, faults.Newf(faults.KindPermanent, "converter output too small: %d bytes", len(body))
		}
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.Newf(faults.KindAuth, "converter: %d %s", resp.StatusCode, preview(body))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, faults.Newf(faults.KindPermanent, "converter: %d %s", resp.StatusCode, preview(body))
	default:
		return nil, faults.Newf(faults.KindTransient, "converter: %d %s", resp.StatusCode, preview(body))
	}
}

func preview(body []byte) string {
	const limit = 120
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
