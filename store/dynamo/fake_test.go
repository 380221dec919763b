package dynamo

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// fakeClient is an in-memory DynamoDB that understands the expressions the
// backend issues. Tables are created on first write.
type fakeClient struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[int64]item
	pageSize int

	transactions int
	queries      int
}

var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{tables: make(map[string]map[string]map[int64]item)}
}

func keyOf(it item) (string, int64) {
	pk := getString(it, attrPK)
	return pk, getNumber(it, attrSK)
}

func (f *fakeClient) lookup(table string, key item) (item, bool) {
	pk, sk := keyOf(key)
	it, ok := f.tables[table][pk][sk]
	return it, ok
}

func (f *fakeClient) put(table string, it item) {
	pk, sk := keyOf(it)
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[int64]item)
	}
	if f.tables[table][pk] == nil {
		f.tables[table][pk] = make(map[int64]item)
	}
	f.tables[table][pk][sk] = maps.Clone(it)
}

func (f *fakeClient) delete(table string, key item) {
	pk, sk := keyOf(key)
	delete(f.tables[table][pk], sk)
}

// check evaluates a condition expression against the current item.
func (f *fakeClient) check(expr *string, current item, exists bool, values item) (bool, error) {
	if expr == nil {
		return true, nil
	}
	switch *expr {
	case "attribute_not_exists(pk)":
		return !exists, nil
	case "attribute_exists(pk)":
		return exists, nil
	case "attribute_exists(pk) AND #seq = :seq":
		return exists && getNumber(current, attrSeq) == getNumber(values, ":seq"), nil
	}
	return false, fmt.Errorf("fake: unsupported condition %q", *expr)
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	it, ok := f.lookup(aws.ToString(in.TableName), in.Key)
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: maps.Clone(it)}, nil
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	current, exists := f.lookup(table, in.Item)
	ok, err := f.check(in.ConditionExpression, current, exists, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.put(table, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(in.UpdateExpression) != "ADD #n :n" {
		return nil, fmt.Errorf("fake: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	table := aws.ToString(in.TableName)
	current, _ := f.lookup(table, in.Key)
	n := getNumber(current, attrCounter) + getNumber(in.ExpressionAttributeValues, ":n")

	next := maps.Clone(in.Key)
	next[attrCounter] = numberAttr(n)
	f.put(table, next)
	return &dynamodb.UpdateItemOutput{
		Attributes: item{attrCounter: numberAttr(n)},
	}, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	values := in.ExpressionAttributeValues
	lo, hi := int64(-1<<63), int64(1<<63-1)
	switch aws.ToString(in.KeyConditionExpression) {
	case "pk = :pk":
	case "pk = :pk AND sk BETWEEN :lo AND :hi":
		lo, hi = getNumber(values, ":lo"), getNumber(values, ":hi")
	default:
		return nil, fmt.Errorf("fake: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}

	partition := f.tables[aws.ToString(in.TableName)][getString(values, ":pk")]
	keys := slices.Sorted(maps.Keys(partition))
	if in.ExclusiveStartKey != nil {
		start := getNumber(in.ExclusiveStartKey, attrSK)
		keys = slices.DeleteFunc(keys, func(sk int64) bool { return sk <= start })
	}

	out := &dynamodb.QueryOutput{}
	for _, sk := range keys {
		if sk < lo || sk > hi {
			continue
		}
		if f.pageSize > 0 && len(out.Items) == f.pageSize {
			last := out.Items[len(out.Items)-1]
			out.LastEvaluatedKey = item{attrPK: last[attrPK], attrSK: last[attrSK]}
			break
		}
		out.Items = append(out.Items, maps.Clone(partition[sk]))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions++

	if len(in.TransactItems) > 100 {
		return nil, fmt.Errorf("fake: %d items exceed the transaction limit", len(in.TransactItems))
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		var (
			table  string
			key    item
			expr   *string
			values item
		)
		switch {
		case ti.Put != nil:
			table, key, expr, values = aws.ToString(ti.Put.TableName), ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues
		case ti.Delete != nil:
			table, key, expr, values = aws.ToString(ti.Delete.TableName), ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeValues
		default:
			return nil, fmt.Errorf("fake: unsupported transact item %d", i)
		}
		current, exists := f.lookup(table, key)
		ok, err := f.check(expr, current, exists, values)
		if err != nil {
			return nil, err
		}
		reasons[i].Code = aws.String("None")
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.put(aws.ToString(ti.Put.TableName), ti.Put.Item)
		} else {
			f.delete(aws.ToString(ti.Delete.TableName), ti.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// partitions returns the partition keys of a table that hold at least one item.
func (f *fakeClient) partitions(table string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for pk, items := range f.tables[table] {
		if len(items) > 0 {
			out = append(out, pk)
		}
	}
	slices.Sort(out)
	return out
}

// items returns every item of a partition ordered by sort key.
func (f *fakeClient) items(table, pk string) []item {
	f.mu.Lock()
	defer f.mu.Unlock()

	partition := f.tables[table][pk]
	var out []item
	for _, sk := range slices.Sorted(maps.Keys(partition)) {
		out = append(out, maps.Clone(partition[sk]))
	}
	return out
}
