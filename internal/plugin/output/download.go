package output

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// downloadBinary fetches url, bounded by timeoutMS and maxBytes. Grounded
// on download_binary_to_temp in the embedding process's original
// implementation, simplified to an in-memory buffer since plugin-forwarded
// media here is small enough not to need a temp file.
func downloadBinary(ctx context.Context, url string, timeoutMS int, maxBytes int64) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("output: build download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("output: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("output: download returned HTTP %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("output: read download body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("output: download exceeded %d byte limit", maxBytes)
	}
	return data, nil
}
