package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/relate/store"
	"github.com/jacentio/relate/store/dynamo"
)

// Handler turns DynamoDB stream records of the pivot table into events.
type Handler struct {
	publisher store.Publisher
	logger    *slog.Logger
}

// NewHandler creates a new stream handler publishing to p.
func NewHandler(p store.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		publisher: p,
		logger:    logger,
	}
}

// HandlePivotStream publishes one event per canonical pivot item change:
// INSERT as created, MODIFY as updated and REMOVE as deleted. Counter items
// and the mirrored copy of each row are skipped.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandlePivotStream(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	var kind store.EventKind
	image := record.Change.NewImage
	switch record.EventName {
	case "INSERT":
		kind = store.EventCreated
	case "MODIFY":
		kind = store.EventUpdated
	case "REMOVE":
		kind = store.EventDeleted
		image = record.Change.OldImage
	default:
		return nil
	}

	if len(image) == 0 {
		return fmt.Errorf("%s record has no image; enable NEW_AND_OLD_IMAGES", record.EventName)
	}
	item, err := dynamo.DecodePivotItem(ConvertStreamImage(image))
	if errors.Is(err, dynamo.ErrNotPivotItem) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode pivot item: %w", err)
	}
	if !item.Canonical {
		return nil
	}

	h.logger.Debug("publishing pivot event",
		"pk", getStringAttr(image, "pk"),
		"pivotTable", item.Table,
		"kind", kind.String(),
		"seq", getNumberAttr(image, "seq"),
	)
	return h.publisher.Publish(ctx, item.Table, kind, item.Row)
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// ConvertStreamImage converts a DynamoDB stream image to SDK attribute values.
func ConvertStreamImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertAttribute(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertAttribute(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertStreamImage(v.Map())}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, item := range v.List() {
			if av := convertAttribute(item); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	}
	return nil
}
