package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "MetaPilot/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("unreachable") }

func TestFanoutJoinsNotifierErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	d := NewFanout(NewLogNotifier(log, "error"), failingNotifier{}, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeOperationFailed, Message: "step 2 failed", OperationID: "op-1", Step: 2})
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, `"operation_id":"op-1"`) || !strings.Contains(out, `"step":2`) {
		t.Fatalf("unexpected log output %s", out)
	}
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, "metapilot:alerts")
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := &RedisNotifier{Client: client, ChannelName: "metapilot:alerts"}
	if err := n.Notify(ctx, Event{Code: xerrors.CodeTimeout, OperationID: "op-9", Message: "timeout"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.OperationID != "op-9" || got.Code != xerrors.CodeTimeout {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestFromErrorRespectsAlertAttribute(t *testing.T) {
	if _, ok := FromError("op", xerrors.New(xerrors.CodeValidation, "bad input")); ok {
		t.Fatalf("validation errors do not alert")
	}
	event, ok := FromError("op", xerrors.New(xerrors.CodeOperationFailed, "planning failed"))
	if !ok || event.Severity != xerrors.SeverityCritical || event.OperationID != "op" {
		t.Fatalf("unexpected event %+v %v", event, ok)
	}
	if _, ok := FromError("op", nil); ok {
		t.Fatalf("nil error never alerts")
	}
}
