package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/retry"
)

// OpenAIProvider implements Provider against the OpenAI vector-store API.
type OpenAIProvider struct {
	client  *openai.Client
	apiKey  string
	baseURL string
	http    *http.Client
	retry   retry.Config
}

// NewOpenAIProvider builds a provider. baseURL empty means the public API.
func NewOpenAIProvider(apiKey, baseURL string, retryCfg retry.Config) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(cfg),
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{},
		retry:   retryCfg,
	}
}

// CreateStore creates a provider vector store and returns its id.
func (p *OpenAIProvider) CreateStore(ctx context.Context, name string) (string, error) {
	vs, result := retry.DoWithValue(ctx, p.retry, func() (openai.VectorStore, error) {
		return p.client.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	})
	if result.Err != nil {
		return "", fmt.Errorf("create vector store: %w", result.Err)
	}
	return vs.ID, nil
}

// UploadFile uploads the file and attaches it to the store.
func (p *OpenAIProvider) UploadFile(ctx context.Context, vsID, path string) error {
	file, result := retry.DoWithValue(ctx, p.retry, func() (openai.File, error) {
		return p.client.CreateFile(ctx, openai.FileRequest{
			FileName: filepath.Base(path),
			FilePath: path,
			Purpose:  string(openai.PurposeAssistants),
		})
	})
	if result.Err != nil {
		return fmt.Errorf("upload file: %w", result.Err)
	}
	return p.attach(ctx, vsID, file.ID)
}

func (p *OpenAIProvider) attach(ctx context.Context, vsID, fileID string) error {
	_, result := retry.DoWithValue(ctx, p.retry, func() (openai.VectorStoreFile, error) {
		return p.client.CreateVectorStoreFile(ctx, vsID, openai.VectorStoreFileRequest{FileID: fileID})
	})
	if result.Err != nil {
		return fmt.Errorf("attach file to store: %w", result.Err)
	}
	return nil
}

// DeleteStore removes the provider-side store.
func (p *OpenAIProvider) DeleteStore(ctx context.Context, vsID string) error {
	result := retry.Do(ctx, p.retry, func() error {
		_, err := p.client.DeleteVectorStore(ctx, vsID)
		return err
	})
	if result.Err != nil {
		return fmt.Errorf("delete vector store: %w", result.Err)
	}
	return nil
}

// CountStores returns the provider-side total of live stores.
func (p *OpenAIProvider) CountStores(ctx context.Context) (int, error) {
	count := 0
	var after *string
	for {
		list, result := retry.DoWithValue(ctx, p.retry, func() (openai.VectorStoresList, error) {
			limit := 100
			return p.client.ListVectorStores(ctx, openai.Pagination{Limit: &limit, After: after})
		})
		if result.Err != nil {
			return 0, fmt.Errorf("list vector stores: %w", result.Err)
		}
		count += len(list.VectorStores)
		if len(list.VectorStores) < 100 || list.LastID == nil {
			return count, nil
		}
		after = list.LastID
	}
}

// Search queries the vector store search endpoint. The SDK does not wrap this
// endpoint, so the call goes straight to the REST surface.
func (p *OpenAIProvider) Search(ctx context.Context, vsID, query string, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}
	body, err := json.Marshal(map[string]any{
		"query":           query,
		"max_num_results": topK,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/vector_stores/%s/search", p.baseURL, vsID)
	hits, result := retry.DoWithValue(ctx, p.retry, func() ([]SearchHit, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("OpenAI-Beta", "assistants=v2")

		resp, err := p.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("vector store search: status %d: %s", resp.StatusCode, truncate(string(data), 200))
			return nil, retry.ClassifyStatus(resp.StatusCode, err)
		}
		return parseSearchResponse(data)
	})
	return hits, result.Err
}

func parseSearchResponse(data []byte) ([]SearchHit, error) {
	var payload struct {
		Data []struct {
			FileID  string  `json:"file_id"`
			Score   float64 `json:"score"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode search response: %w", err))
	}
	hits := make([]SearchHit, 0, len(payload.Data))
	for _, d := range payload.Data {
		hit := SearchHit{FileID: d.FileID, Score: d.Score}
		var texts []string
		for _, c := range d.Content {
			if c.Type == "text" {
				texts = append(texts, c.Text)
			}
		}
		hit.Text = strings.Join(texts, "\n")
		hits = append(hits, hit)
	}
	return hits, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
