// Package remotesettings is a minimal writer client for a Kinto-based
// remote settings server, the distribution point for published filters.
package remotesettings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/config"
	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// Attachment describes a file stored alongside a record.
type Attachment struct {
	Filename string `json:"filename"`
	Location string `json:"location"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Mimetype string `json:"mimetype"`
}

// Record is an entry of the filter collection. Filter records carry an
// attachment, stash records carry a stash.
type Record struct {
	ID             string          `json:"id"`
	AttachmentType string          `json:"attachment_type,omitempty"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	Stash          json.RawMessage `json:"stash,omitempty"`
	KeyFormat      string          `json:"key_format,omitempty"`
	GenerationTime int64           `json:"generation_time,omitempty"`
	StashTime      int64           `json:"stash_time,omitempty"`
	LastModified   int64           `json:"last_modified,omitempty"`
}

// HasAttachment reports whether r is a filter record.
func (r Record) HasAttachment() bool { return r.Attachment != nil }

// IsStash reports whether r is a stash record.
func (r Record) IsStash() bool { return len(r.Stash) > 0 && string(r.Stash) != "null" }

// Client writes to one bucket/collection.
type Client struct {
	http       *http.Client
	baseURL    string
	bucket     string
	collection string
	user       string
	password   string
	policy     retry.Policy
}

// NewClient creates a client from cfg.
func NewClient(cfg config.RemoteSettingsConfig, policy retry.Policy) *Client {
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/",
		bucket:     cfg.Bucket,
		collection: cfg.Collection,
		user:       cfg.User,
		password:   cfg.Password,
		policy:     policy,
	}
}

func (c *Client) collectionPath() string {
	return fmt.Sprintf("buckets/%s/collections/%s", c.bucket, c.collection)
}

func (c *Client) recordPath(id string) string {
	return c.collectionPath() + "/records/" + id
}

// Records lists every record of the collection.
func (c *Client) Records(ctx context.Context) ([]Record, error) {
	var out struct {
		Data []Record `json:"data"`
	}
	err := c.do(ctx, "list records", http.MethodGet, c.collectionPath()+"/records", nil, "", &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// PublishAttachment creates a record holding data with content attached
// under filename. It returns the new record id.
func (c *Client) PublishAttachment(ctx context.Context, data map[string]any, filename string, content []byte) (string, error) {
	id := uuid.NewString()

	meta, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode record data: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("data", string(meta)); err != nil {
		return "", fmt.Errorf("write data field: %w", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, filename))
	header.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	err = c.do(ctx, "publish attachment", http.MethodPost, c.recordPath(id)+"/attachment", buf.Bytes(), w.FormDataContentType(), nil)
	if err != nil {
		return "", err
	}
	logger.L().Info("published attachment record",
		zap.String("record_id", id),
		zap.Any("attachment_type", data["attachment_type"]),
		zap.Int("size", len(content)),
	)
	return id, nil
}

// PublishRecord creates a plain record and returns its id.
func (c *Client) PublishRecord(ctx context.Context, data any) (string, error) {
	id := uuid.NewString()
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	if err := c.do(ctx, "publish record", http.MethodPut, c.recordPath(id), body, "application/json", nil); err != nil {
		return "", err
	}
	logger.L().Info("published record", zap.String("record_id", id))
	return id, nil
}

// DeleteRecord removes a record. A record that is already gone is not an
// error.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	err := c.do(ctx, "delete record", http.MethodDelete, c.recordPath(id), nil, "", nil)
	if err != nil {
		return err
	}
	logger.L().Info("deleted record", zap.String("record_id", id))
	return nil
}

// CompleteSession asks the server to sign the collection's pending changes.
func (c *Client) CompleteSession(ctx context.Context) error {
	body := []byte(`{"data":{"status":"to-sign"}}`)
	return c.do(ctx, "complete session", http.MethodPatch, c.collectionPath(), body, "application/json", nil)
}

// Heartbeat checks the server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, "heartbeat", http.MethodGet, "__heartbeat__", nil, "", nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, contentType string, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.user != "" {
			req.SetBasicAuth(c.user, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.Transient(op, err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return retry.Transient(op, err)
		}

		switch {
		case method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(payload)))
		}

		if out != nil {
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", op, err)
			}
		}
		return nil
	})
}
