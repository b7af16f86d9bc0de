// Package httpjson holds the small amount of JSON-over-HTTP plumbing shared by
// the identity and cart REST clients.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// ErrNotJSON is returned when a response body is not application/json.
var ErrNotJSON = errors.New("httpjson: response is not application/json")

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// NewRequest builds a request with body encoded as JSON. A nil body sends no
// payload.
func NewRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// IsJSON reports whether h declares an application/json body.
func IsJSON(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, err := contenttype.ParseMediaType(ct)
	return err == nil && mt.Matches(jsonMediaType)
}

// Decode reads resp's body into v after checking its media type.
func Decode(resp *http.Response, v any) error {
	if !IsJSON(resp.Header) {
		return fmt.Errorf("%w: got %q", ErrNotJSON, resp.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Drain discards the remainder of resp's body so the connection can be reused.
func Drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	_ = resp.Body.Close()
}
