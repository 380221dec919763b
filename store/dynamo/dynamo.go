// Package dynamo is a store.Backend on Amazon DynamoDB.
//
// # Table Layout
//
// The entity table holds one item per entity:
//
//	pk (S) = entity type, sk (N) = id, attrs (M) = attributes
//
// plus one counter item per type (pk "#seq#<type>") that hands out IDs.
//
// The pivot table holds every join table. Each pivot row is written twice,
// once under each side, so both sides of a BelongsToMany read with a query:
//
//	pk (S) = "<table>#<key>#<owner>#<shard>", sk (N) = related id
//
// The item written under the side whose key name sorts first is marked
// canonical; the stream handler turns only canonical items into events.
//
// # Sharding
//
// With NumShards > 1 an owner's items are spread over NumShards partitions by
// related ID and reads fan out over all of them in parallel.
//
// # Consistency
//
// Pivot changes are applied with one conditional TransactWriteItems per 50
// changes. A condition failure (another writer got there first) is reported
// as store.ErrConcurrentModification.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/relate/store"
)

// Client is the subset of *dynamodb.Client the backend uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Backend provides DynamoDB persistence for a store.Store.
type Backend struct {
	client Client
	config Config
	logger *slog.Logger
}

var _ store.Backend = (*Backend)(nil)

// New creates a new Backend instance.
func New(client Client, config Config) *Backend {
	config.validate()
	return &Backend{
		client: client,
		config: config,
		logger: config.Logger,
	}
}

// Close is a no-op; the client owns no connections the backend must release.
func (b *Backend) Close() error {
	return nil
}

// Item attribute names.
const (
	attrPK        = "pk"
	attrSK        = "sk"
	attrAttrs     = "attrs"
	attrCounter   = "n"
	attrTable     = "tbl"
	attrOwnerKey  = "owner_key"
	attrOwner     = "owner"
	attrRelated   = "related"
	attrSeq       = "seq"
	attrColumns   = "cols"
	attrCreatedAt = "created_at"
	attrUpdatedAt = "updated_at"
	attrCanonical = "canonical"
)

func counterPK(name string) string {
	return "#seq#" + name
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func entityKey(typ string, id store.ID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: typ},
		attrSK: numberAttr(int64(id)),
	}
}

// nextSeq reserves n consecutive values of a named counter and returns the last.
func (b *Backend) nextSeq(ctx context.Context, table, name string, n int) (int64, error) {
	out, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: counterPK(name)},
			attrSK: numberAttr(0),
		},
		UpdateExpression:         aws.String("ADD #n :n"),
		ExpressionAttributeNames: map[string]string{"#n": attrCounter},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": numberAttr(int64(n)),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", name, err)
	}
	return getNumber(out.Attributes, attrCounter), nil
}

// --- Entities ---

func (b *Backend) Insert(ctx context.Context, typ string, attrs store.Attributes) (store.ID, error) {
	n, err := b.nextSeq(ctx, b.config.EntityTable, typ, 1)
	if err != nil {
		return 0, err
	}
	id := store.ID(n)

	item, err := entityItem(typ, id, attrs)
	if err != nil {
		return 0, err
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.config.EntityTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		return 0, fmt.Errorf("put %s %d: %w", typ, id, err)
	}
	return id, nil
}

func (b *Backend) Fetch(ctx context.Context, typ string, id store.ID) (store.Attributes, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.config.EntityTable),
		Key:            entityKey(typ, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%s %d: %w", typ, id, store.ErrNotFound)
	}
	return unmarshalAttrs(out.Item[attrAttrs])
}

func (b *Backend) Update(ctx context.Context, typ string, id store.ID, attrs store.Attributes) error {
	item, err := entityItem(typ, id, attrs)
	if err != nil {
		return err
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.config.EntityTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%s %d: %w", typ, id, store.ErrNotFound)
	}
	return err
}

// Find queries the type's partition, narrowed to the ID range when an "id"
// condition is present, and filters the items with store.MatchAll.
func (b *Backend) Find(ctx context.Context, typ string, conds []store.Cond) ([]store.Record, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(b.config.EntityTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: typ},
		},
		ConsistentRead: aws.Bool(true),
	}
	for _, c := range conds {
		if len(c.Values) == 0 {
			return nil, nil
		}
		if c.Field != "id" {
			continue
		}
		lo, hi, ok := idRange(c.Values)
		if !ok {
			return nil, nil
		}
		input.KeyConditionExpression = aws.String("pk = :pk AND sk BETWEEN :lo AND :hi")
		input.ExpressionAttributeValues[":lo"] = numberAttr(int64(lo))
		input.ExpressionAttributeValues[":hi"] = numberAttr(int64(hi))
		break
	}

	var out []store.Record
	paginator := dynamodb.NewQueryPaginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			id := store.ID(getNumber(raw, attrSK))
			attrs, err := unmarshalAttrs(raw[attrAttrs])
			if err != nil {
				return nil, fmt.Errorf("%s %d: %w", typ, id, err)
			}
			if store.MatchAll(conds, id, attrs) {
				out = append(out, store.Record{ID: id, Attrs: attrs})
			}
		}
	}
	return out, nil
}

// idRange returns the smallest and largest integral IDs in vs.
func idRange(vs []any) (lo, hi store.ID, ok bool) {
	for _, v := range vs {
		id, isID := store.AsID(v)
		if !isID {
			continue
		}
		if !ok || id < lo {
			lo = id
		}
		if !ok || id > hi {
			hi = id
		}
		ok = true
	}
	return lo, hi, ok
}

func entityItem(typ string, id store.ID, attrs store.Attributes) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(map[string]any(attrs))
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	item := entityKey(typ, id)
	item[attrAttrs] = &types.AttributeValueMemberM{Value: av}
	return item, nil
}

// unmarshalAttrs decodes an attrs map, keeping integers as int64.
func unmarshalAttrs(av types.AttributeValue) (store.Attributes, error) {
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return store.Attributes{}, nil
	}
	var raw map[string]any
	err := attributevalue.UnmarshalMapWithOptions(m.Value, &raw, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	attrs := make(store.Attributes, len(raw))
	for k, v := range raw {
		if n, ok := v.(attributevalue.Number); ok {
			if i, err := n.Int64(); err == nil {
				attrs[k] = i
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", k, err)
			}
			attrs[k] = f
			continue
		}
		attrs[k] = v
	}
	return attrs, nil
}

// getNumber extracts a number attribute from an item, or 0.
func getNumber(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

// getString extracts a string attribute from an item, or "".
func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
