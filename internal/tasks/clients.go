// ABOUTME: Default ObjectStore and LLM implementations wired by the binary:
// ABOUTME: a directory-backed blob store and an OpenAI-compatible completion client.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// DirObjectStore stores résumé blobs under a local directory, keyed by the
// relative path recorded on the résumé row. Paths are confined to Root.
type DirObjectStore struct {
	Root string
}

// NewDirObjectStore returns a store rooted at dir.
func NewDirObjectStore(dir string) *DirObjectStore {
	return &DirObjectStore{Root: dir}
}

func (s *DirObjectStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(s.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.Root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path escapes storage root", ErrAccessDenied)
	}
	return full, nil
}

func (s *DirObjectStore) Download(_ context.Context, path string) ([]byte, string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		case errors.Is(err, fs.ErrPermission):
			return nil, "", fmt.Errorf("%w: %s", ErrAccessDenied, path)
		}
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(full))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return data, ct, nil
}

func (s *DirObjectStore) Upload(_ context.Context, key string, data []byte, _ map[string]string) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	return key, nil
}

func (s *DirObjectStore) Delete(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// CompletionClient talks to an OpenAI-compatible chat completions endpoint.
type CompletionClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewCompletionClient builds a client for baseURL (e.g.
// "https://api.openai.com/v1").
func NewCompletionClient(client *http.Client, baseURL, apiKey, model string) *CompletionClient {
	return &CompletionClient{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *CompletionClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("completion read: %w", err)
	}

	var parsed chatResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		if parsed.Error != nil && parsed.Error.Code == "insufficient_quota" {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, parsed.Error.Message)
		}
		return "", fmt.Errorf("%w: status 429", ErrRateLimited)
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", fmt.Errorf("%w: status %d", ErrQuotaExceeded, resp.StatusCode)
	default:
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		err := fmt.Errorf("completion status %d: %s", resp.StatusCode, msg)
		// Remaining 4xx are the request's fault (bad key, bad model);
		// retrying cannot fix them. 5xx stays retryable.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", queue.Permanent(err)
		}
		return "", err
	}

	if len(parsed.Choices) == 0 {
		return "", errors.New("completion: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
