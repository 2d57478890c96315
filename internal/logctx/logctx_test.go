package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/x"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", UserID: "u"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Action: "get_image", DocumentID: 7})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost: %v", rec)
	}
	req, _ := rec["req"].(map[string]any)
	sess, _ := rec["sess"].(map[string]any)
	rpc, _ := rec["rpc"].(map[string]any)
	if req["id"] != "r1" || sess["id"] != "s1" || rpc["action"] != "get_image" || rpc["document_id"] != float64(7) {
		t.Fatalf("record = %v", rec)
	}
}

func TestHandler_NoContextData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"req", "sess", "rpc"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("unexpected %q group: %v", k, rec)
		}
	}
}
