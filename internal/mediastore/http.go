package mediastore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// putHTTP PUTs f's content to url, used by the local-only store when a
// transfer spec names a plain upload URL rather than an S3 bucket.
func putHTTP(ctx context.Context, url string, f *os.File, progress ProgressFunc) error {
	pr := &progressReader{r: f, total: sizeOf(f), progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, pr)
	if err != nil {
		return fmt.Errorf("mediastore http put request: %w", err)
	}
	req.ContentLength = pr.total

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("mediastore http put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mediastore http put: unexpected status %s", resp.Status)
	}
	return nil
}

// getHTTP GETs url and copies the body into w, reporting progress against
// Content-Length when the server provides it.
func getHTTP(ctx context.Context, url string, w io.Writer, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("mediastore http get request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("mediastore http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mediastore http get: unexpected status %s", resp.Status)
	}

	pr := &progressReader{r: resp.Body, total: resp.ContentLength, progress: progress}
	_, err = io.Copy(w, pr)
	return err
}
