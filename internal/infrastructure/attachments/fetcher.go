// Package attachments downloads message attachments and converts them into
// model-consumable content.
package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/platform"
)

// Fetcher downloads attachment payloads over HTTP.
type Fetcher struct {
	httpClient *resty.Client
}

// NewFetcher creates a fetcher with sane download timeouts.
func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: resty.New().SetTimeout(30 * time.Second),
	}
}

// FetchText downloads a text attachment and returns its body.
func (f *Fetcher) FetchText(ctx context.Context, att platform.Attachment) (string, error) {
	resp, err := f.httpClient.R().SetContext(ctx).Get(att.URL)
	if err != nil {
		return "", fmt.Errorf("fetch attachment %s: %w", att.ID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch attachment %s: status %d", att.ID, resp.StatusCode())
	}
	return resp.String(), nil
}

// FetchImage downloads an image attachment and wraps it as a base64 data URI
// content part.
func (f *Fetcher) FetchImage(ctx context.Context, att platform.Attachment) (llm.ContentPart, error) {
	resp, err := f.httpClient.R().SetContext(ctx).Get(att.URL)
	if err != nil {
		return llm.ContentPart{}, fmt.Errorf("fetch attachment %s: %w", att.ID, err)
	}
	if resp.IsError() {
		return llm.ContentPart{}, fmt.Errorf("fetch attachment %s: status %d", att.ID, resp.StatusCode())
	}

	contentType := att.ContentType
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	encoded := base64.StdEncoding.EncodeToString(resp.Body())
	return llm.ImagePart(fmt.Sprintf("data:%s;base64,%s", contentType, encoded)), nil
}
