package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/popeskul/modelserve/internal/loader"
)

// FileCacheLoader reads a previously downloaded model from a local JSON
// file. A missing file is a cache miss, not an error.
func FileCacheLoader(path string) loader.CacheFunc[Model] {
	return func(ctx context.Context) (*Model, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read model cache %s: %w", path, err)
		}

		var m Model
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode model cache %s: %w", path, err)
		}
		return &m, nil
	}
}

// RegistryDownloadLoader fetches the model from a model registry URL and,
// when cachePath is non-empty, writes it back for the next start. A cache
// write failure is not fatal; the downloaded model is still usable.
func RegistryDownloadLoader(url, cachePath string, httpClient *http.Client) loader.DownloadFunc[Model] {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return func(ctx context.Context) (*Model, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build registry request: %w", err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch model from registry: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read registry response: %w", err)
		}

		var m Model
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode model payload: %w", err)
		}

		if cachePath != "" {
			if err := os.WriteFile(cachePath, data, 0o644); err != nil {
				// Next start will download again.
				return &m, nil
			}
		}

		return &m, nil
	}
}
