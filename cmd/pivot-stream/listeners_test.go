package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/relate/stream"
)

func TestRegister_LogsStreamEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	bus := stream.NewBus(logger)
	register(bus, logger)
	h := stream.NewHandler(bus, logger)

	image := map[string]events.DynamoDBAttributeValue{
		"pk":        events.NewStringAttribute("post_tag#post_id#7#00"),
		"sk":        events.NewNumberAttribute("3"),
		"tbl":       events.NewStringAttribute("post_tag"),
		"owner_key": events.NewStringAttribute("post_id"),
		"owner":     events.NewNumberAttribute("7"),
		"related":   events.NewNumberAttribute("3"),
		"seq":       events.NewNumberAttribute("11"),
		"cols": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"status": events.NewStringAttribute("pending"),
		}),
		"canonical": events.NewBooleanAttribute(true),
	}
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		{EventName: "INSERT", Change: events.DynamoDBStreamRecord{NewImage: image}},
		{EventName: "REMOVE", Change: events.DynamoDBStreamRecord{OldImage: image}},
	}}

	if err := h.HandlePivotStream(context.Background(), event); err != nil {
		t.Fatalf("HandlePivotStream: %v", err)
	}

	out := buf.String()
	if n := strings.Count(out, "pivot row changed"); n != 2 {
		t.Fatalf("expected 2 log lines, got %d:\n%s", n, out)
	}
	for _, want := range []string{"kind=created", "kind=deleted", "left=7", "right=3", "seq=11"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
