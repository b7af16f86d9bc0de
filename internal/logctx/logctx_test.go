package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithSessionData(context.Background(), &SessionData{UserID: "u1", Generation: 3, Status: "authenticated"})
	ctx = WithCartData(ctx, &CartData{Lines: 2, Reconciling: true})
	ctx = WithOpData(ctx, &OpData{Name: "reconcile"})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["user_id"] != "u1" || sess["generation"] != float64(3) {
		t.Fatalf("unexpected sess group: %v", rec["sess"])
	}
	cart, _ := rec["cart"].(map[string]any)
	if cart["lines"] != float64(2) || cart["reconciling"] != true {
		t.Fatalf("unexpected cart group: %v", rec["cart"])
	}
	if op, _ := rec["op"].(map[string]any); op["name"] != "reconcile" {
		t.Fatalf("unexpected op group: %v", rec["op"])
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
}

func TestHandlerWithoutContextValues(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := rec["sess"]; ok {
		t.Fatalf("unexpected sess group: %v", rec)
	}
}
