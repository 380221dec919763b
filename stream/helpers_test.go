package stream

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/relate/store"
)

// --- getStringAttr Tests ---

func TestGetStringAttr(t *testing.T) {
	tests := []struct {
		name     string
		image    map[string]events.DynamoDBAttributeValue
		expected string
	}{
		{"existing", map[string]events.DynamoDBAttributeValue{"tbl": events.NewStringAttribute("post_tag")}, "post_tag"},
		{"missing key", map[string]events.DynamoDBAttributeValue{"other": events.NewStringAttribute("value")}, ""},
		{"empty image", map[string]events.DynamoDBAttributeValue{}, ""},
		{"nil image", nil, ""},
		{"empty value", map[string]events.DynamoDBAttributeValue{"tbl": events.NewStringAttribute("")}, ""},
		{"number", map[string]events.DynamoDBAttributeValue{"tbl": events.NewNumberAttribute("7")}, ""},
		{"special characters", map[string]events.DynamoDBAttributeValue{"tbl": events.NewStringAttribute("post_tag#post_id#7#00")}, "post_tag#post_id#7#00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getStringAttr(tt.image, "tbl"); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

// --- getNumberAttr Tests ---

func TestGetNumberAttr(t *testing.T) {
	tests := []struct {
		name     string
		image    map[string]events.DynamoDBAttributeValue
		expected int64
	}{
		{"valid", map[string]events.DynamoDBAttributeValue{"seq": events.NewNumberAttribute("1234567890")}, 1234567890},
		{"zero", map[string]events.DynamoDBAttributeValue{"seq": events.NewNumberAttribute("0")}, 0},
		{"negative", map[string]events.DynamoDBAttributeValue{"seq": events.NewNumberAttribute("-100")}, -100},
		{"max int64", map[string]events.DynamoDBAttributeValue{"seq": events.NewNumberAttribute("9223372036854775807")}, 9223372036854775807},
		{"missing key", map[string]events.DynamoDBAttributeValue{"other": events.NewNumberAttribute("5")}, 0},
		{"nil image", nil, 0},
		{"string attribute", map[string]events.DynamoDBAttributeValue{"seq": events.NewStringAttribute("12")}, 0},
		{"decimal", map[string]events.DynamoDBAttributeValue{"seq": events.NewNumberAttribute("1.5")}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getNumberAttr(tt.image, "seq"); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

// --- ConvertStreamImage Tests ---

func TestConvertStreamImage_Scalars(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"s":    events.NewStringAttribute("x"),
		"n":    events.NewNumberAttribute("42"),
		"b":    events.NewBinaryAttribute([]byte{1, 2}),
		"bool": events.NewBooleanAttribute(true),
		"null": events.NewNullAttribute(),
	}

	got := ConvertStreamImage(image)
	if len(got) != 5 {
		t.Fatalf("expected 5 attributes, got %d", len(got))
	}
	if v, ok := got["s"].(*types.AttributeValueMemberS); !ok || v.Value != "x" {
		t.Errorf("unexpected s: %#v", got["s"])
	}
	if v, ok := got["n"].(*types.AttributeValueMemberN); !ok || v.Value != "42" {
		t.Errorf("unexpected n: %#v", got["n"])
	}
	if v, ok := got["b"].(*types.AttributeValueMemberB); !ok || len(v.Value) != 2 {
		t.Errorf("unexpected b: %#v", got["b"])
	}
	if v, ok := got["bool"].(*types.AttributeValueMemberBOOL); !ok || !v.Value {
		t.Errorf("unexpected bool: %#v", got["bool"])
	}
	if _, ok := got["null"].(*types.AttributeValueMemberNULL); !ok {
		t.Errorf("unexpected null: %#v", got["null"])
	}
}

func TestConvertStreamImage_Nested(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"cols": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"status": events.NewStringAttribute("approved"),
		}),
		"list": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("a"),
			events.NewNumberAttribute("1"),
		}),
		"ss": events.NewStringSetAttribute([]string{"a", "b"}),
		"ns": events.NewNumberSetAttribute([]string{"1", "2"}),
	}

	got := ConvertStreamImage(image)
	cols, ok := got["cols"].(*types.AttributeValueMemberM)
	if !ok {
		t.Fatalf("expected map, got %#v", got["cols"])
	}
	if v, ok := cols.Value["status"].(*types.AttributeValueMemberS); !ok || v.Value != "approved" {
		t.Errorf("unexpected status: %#v", cols.Value["status"])
	}
	if list, ok := got["list"].(*types.AttributeValueMemberL); !ok || len(list.Value) != 2 {
		t.Errorf("unexpected list: %#v", got["list"])
	}
	if ss, ok := got["ss"].(*types.AttributeValueMemberSS); !ok || len(ss.Value) != 2 {
		t.Errorf("unexpected ss: %#v", got["ss"])
	}
	if ns, ok := got["ns"].(*types.AttributeValueMemberNS); !ok || len(ns.Value) != 2 {
		t.Errorf("unexpected ns: %#v", got["ns"])
	}
}

func TestConvertStreamImage_Empty(t *testing.T) {
	if got := ConvertStreamImage(nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil map, got %#v", got)
	}
}

// --- processRecord Tests ---

type recordingPublisher struct {
	kinds []store.EventKind
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, kind store.EventKind, _ store.PivotRow) error {
	p.kinds = append(p.kinds, kind)
	return nil
}

func TestProcessRecord_SkipsUnknownEventNames(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewHandler(pub, nil)

	record := events.DynamoDBEventRecord{
		EventName: "UNKNOWN",
		Change: events.DynamoDBStreamRecord{
			NewImage: map[string]events.DynamoDBAttributeValue{
				"tbl": events.NewStringAttribute("post_tag"),
			},
		},
	}
	if err := h.processRecord(context.Background(), record); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(pub.kinds) != 0 {
		t.Errorf("expected no events, got %v", pub.kinds)
	}
}

func TestProcessRecord_MissingImage(t *testing.T) {
	h := NewHandler(&recordingPublisher{}, nil)

	record := events.DynamoDBEventRecord{
		EventName: "REMOVE",
		Change: events.DynamoDBStreamRecord{
			NewImage: map[string]events.DynamoDBAttributeValue{
				"tbl": events.NewStringAttribute("post_tag"),
			},
		},
	}
	if err := h.processRecord(context.Background(), record); err == nil {
		t.Error("expected error for REMOVE without old image")
	}
}

func BenchmarkConvertStreamImage(b *testing.B) {
	image := map[string]events.DynamoDBAttributeValue{
		"pk":  events.NewStringAttribute("post_tag#post_id#7#00"),
		"sk":  events.NewNumberAttribute("3"),
		"seq": events.NewNumberAttribute("12"),
		"cols": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"status": events.NewStringAttribute("pending"),
		}),
		"canonical": events.NewBooleanAttribute(true),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ConvertStreamImage(image)
	}
}
