package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/storefront-go/cartapi"
	"github.com/ggoodman/storefront-go/cartapi/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("not signed in")
	}
	return string(s), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, h http.HandlerFunc, tok staticToken) *rest.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := rest.New(rest.Config{BaseURL: srv.URL + "/api/", Tokens: tok})
	require.NoError(t, err)
	return c
}

func TestClientRoutes(t *testing.T) {
	var seen []string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/cart":
			writeJSON(w, 200, cartapi.Cart{Items: []cartapi.Item{{ID: "i1", ProductID: "p1", Quantity: 2, UnitPrice: 500}}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/cart/items":
			var in cartapi.AddItemInput
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			writeJSON(w, 201, cartapi.Item{ID: "i2", ProductID: in.ProductID, VariantID: in.VariantID, Quantity: in.Quantity})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/cart/items/i1":
			var body map[string]int
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, 200, cartapi.Item{ID: "i1", ProductID: "p1", Quantity: body["quantity"]})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}, "tok")
	ctx := context.Background()

	cart, err := c.GetCart(ctx)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "i1", cart.Find("p1", "").ID)
	assert.Nil(t, cart.Find("p1", "red"))

	item, err := c.AddItem(ctx, cartapi.AddItemInput{ProductID: "p2", VariantID: "red", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	item, err = c.UpdateItem(ctx, "i1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity)

	require.NoError(t, c.RemoveItem(ctx, "i1"))
	require.NoError(t, c.ClearCart(ctx))

	assert.Equal(t, []string{
		"GET /api/cart", "POST /api/cart/items", "PATCH /api/cart/items/i1",
		"DELETE /api/cart/items/i1", "DELETE /api/cart",
	}, seen)
}

func TestClientMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   error
	}{
		{"not found", 404, map[string]string{"message": "no such item"}, cartapi.ErrItemNotFound},
		{"unauthorized", 401, nil, cartapi.ErrUnauthorized},
		{"stock", 409, map[string]string{"code": "out_of_stock"}, cartapi.ErrOutOfStock},
		{"server", 503, nil, cartapi.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.body == nil {
					w.WriteHeader(tt.status)
					return
				}
				writeJSON(w, tt.status, tt.body)
			}, "tok")
			_, err := c.UpdateItem(context.Background(), "i1", 1)
			assert.ErrorIs(t, err, tt.want)
			var serr *cartapi.StatusError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.status, serr.Status)
		})
	}
}

func TestClientRejectsNonJSON(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>"))
	}, "tok")
	_, err := c.GetCart(context.Background())
	assert.Error(t, err)
}

func TestClientWithoutToken(t *testing.T) {
	called := false
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, "")
	_, err := c.GetCart(context.Background())
	assert.ErrorIs(t, err, cartapi.ErrUnauthorized)
	assert.False(t, called)
}
