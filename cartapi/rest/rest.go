// Package rest implements cartapi.Backend over the storefront cart REST API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/storefront-go/cartapi"
	"github.com/ggoodman/storefront-go/internal/httpjson"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root; paths such as /cart are appended to it.
	BaseURL string
	Tokens  cartapi.TokenSource
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a cartapi.Backend.
type Client struct {
	base   string
	tokens cartapi.TokenSource
	http   *http.Client
	log    *slog.Logger
}

var _ cartapi.Backend = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rest: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid base url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, errors.New("rest: token source is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), tokens: cfg.Tokens, http: hc, log: log}, nil
}

func (c *Client) GetCart(ctx context.Context) (*cartapi.Cart, error) {
	var out cartapi.Cart
	if err := c.do(ctx, http.MethodGet, "/cart", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddItem(ctx context.Context, in cartapi.AddItemInput) (*cartapi.Item, error) {
	var out cartapi.Item
	if err := c.do(ctx, http.MethodPost, "/cart/items", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateItem(ctx context.Context, itemID string, quantity int) (*cartapi.Item, error) {
	var out cartapi.Item
	body := map[string]int{"quantity": quantity}
	if err := c.do(ctx, http.MethodPatch, "/cart/items/"+url.PathEscape(itemID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/cart/items/"+url.PathEscape(itemID), nil, nil)
}

func (c *Client) ClearCart(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/cart", nil, nil)
}

type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", cartapi.ErrUnauthorized, err)
	}
	req, err := httpjson.NewRequest(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", cartapi.ErrUnavailable, method, path, err)
	}
	defer httpjson.Drain(resp)
	c.log.DebugContext(ctx, "cartapi.request", slog.String("method", method), slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &cartapi.StatusError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if httpjson.IsJSON(resp.Header) {
			var eb errorBody
			if b, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); rerr == nil && json.Unmarshal(b, &eb) == nil {
				serr.Code = eb.Code
				if eb.Code == "" {
					serr.Code = eb.Error
				}
				if eb.Message != "" {
					serr.Message = eb.Message
				}
			}
		}
		return serr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return httpjson.Decode(resp, out)
}
