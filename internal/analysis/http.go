package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/citegraph/citegraphd/internal/provider"
)

// postJSON performs one JSON POST, classifying the outcome into the
// provider error taxonomy. For analysis backends a 503 means the model is
// overloaded, which is its own kind because it drives the fallback policy.
func postJSON(ctx context.Context, hc *http.Client, providerName, op, url string, headers map[string]string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return provider.NewError(provider.KindInvalidInput, providerName, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return provider.NewError(provider.KindInvalidInput, providerName, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return provider.NewError(provider.KindCancelled, providerName, op, ctx.Err())
		}
		return provider.NewError(provider.KindUnavailable, providerName, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return provider.NewError(provider.KindUnavailable, providerName, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, respBody); err != nil {
			return provider.NewError(provider.KindInvalidInput, providerName, op, fmt.Errorf("decoding response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := provider.NewError(provider.KindRateLimited, providerName, op, fmt.Errorf("429"))
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return pe
	case resp.StatusCode == http.StatusServiceUnavailable:
		return provider.NewError(provider.KindOverloaded, providerName, op, fmt.Errorf("503: %s", body))
	case resp.StatusCode >= 500:
		return provider.NewError(provider.KindUnavailable, providerName, op, fmt.Errorf("server error %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return provider.NewError(provider.KindInvalidInput, providerName, op, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		return provider.NewError(provider.KindUnavailable, providerName, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// toFloat32 narrows an embedding from the float64 JSON decodes to.
func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
