package dynamo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/relate/internal/shard"
	"github.com/jacentio/relate/store"
)

// maxTransactChanges is the number of pivot changes per TransactWriteItems call.
// Each change writes two items and a transaction holds at most 100.
const maxTransactChanges = 50

// PivotRows returns owner's rows in insertion order, reading every shard.
func (b *Backend) PivotRows(ctx context.Context, p *store.PivotDescriptor, owner store.ID) ([]store.PivotRow, error) {
	ownerRef := shard.OwnerRef(p.Table, p.ForeignPivotKey, int64(owner))

	var rows []store.PivotRow
	var err error
	if b.config.NumShards == 1 {
		rows, err = b.queryShard(ctx, shard.ShardPK(ownerRef, 0))
	} else {
		rows, err = b.queryAllShards(ctx, ownerRef)
	}
	if err != nil {
		return nil, fmt.Errorf("%s rows of %d: %w", p.Table, owner, err)
	}
	slices.SortFunc(rows, func(a, b store.PivotRow) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return rows, nil
}

func (b *Backend) queryAllShards(ctx context.Context, ownerRef string) ([]store.PivotRow, error) {
	numShards := b.config.NumShards

	var mu sync.Mutex
	var all []store.PivotRow
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()

			rows, err := b.queryShard(ctx, shard.ShardPK(ownerRef, shardNum))
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}

			mu.Lock()
			all = append(all, rows...)
			mu.Unlock()
		}(shardNum)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return all, nil
}

func (b *Backend) queryShard(ctx context.Context, shardPK string) ([]store.PivotRow, error) {
	var rows []store.PivotRow

	paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.config.PivotTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: shardPK},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			row, err := unmarshalPivotRow(item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}

	return rows, nil
}

// UpdatePivot reads owner's rows, lets fn compute the changes and writes them
// with conditional transactions. Every insert asserts the pair is absent and
// every update or delete asserts it is still there, so a concurrent writer
// makes the batch fail with store.ErrConcurrentModification.
func (b *Backend) UpdatePivot(ctx context.Context, p *store.PivotDescriptor, owner store.ID, fn store.PivotFunc) ([]store.PivotChange, error) {
	current, err := b.PivotRows(ctx, p, owner)
	if err != nil {
		return nil, err
	}
	changes, err := fn(current)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	seqs := make(map[store.ID]int64, len(current))
	for _, r := range current {
		seqs[r.Right] = r.Seq
	}

	inserts := 0
	for _, c := range changes {
		if c.Op == store.PivotInsert {
			inserts++
		}
	}
	var nextSeq int64
	if inserts > 0 {
		last, err := b.nextSeq(ctx, b.config.PivotTable, p.Table, inserts)
		if err != nil {
			return nil, err
		}
		nextSeq = last - int64(inserts) + 1
	}

	applied := make([]store.PivotChange, 0, len(changes))
	for _, c := range changes {
		row := c.Row.Clone()
		row.Left = owner
		if c.Op == store.PivotInsert {
			row.Seq = nextSeq
			nextSeq++
		} else {
			seq, ok := seqs[row.Right]
			if !ok {
				return nil, fmt.Errorf("%s %s (%d, %d): %w", p.Table, c.Op, owner, row.Right, store.ErrConcurrentModification)
			}
			row.Seq = seq
		}
		applied = append(applied, store.PivotChange{Op: c.Op, Row: row})
	}

	if len(applied) > maxTransactChanges {
		b.logger.Warn("pivot batch split across transactions",
			"pivotTable", p.Table,
			"owner", int64(owner),
			"changes", len(applied))
	}
	for chunk := range slices.Chunk(applied, maxTransactChanges) {
		if err := b.writeChanges(ctx, p, chunk); err != nil {
			return nil, fmt.Errorf("%s changes of %d: %w", p.Table, owner, err)
		}
	}

	b.logger.Debug("pivot changes written",
		"pivotTable", p.Table,
		"owner", int64(owner),
		"changes", len(applied))
	return applied, nil
}

func (b *Backend) writeChanges(ctx context.Context, p *store.PivotDescriptor, changes []store.PivotChange) error {
	inverse := p.Inverse()
	forwardCanonical := p.ForeignPivotKey < p.RelatedPivotKey

	var items []types.TransactWriteItem
	for _, c := range changes {
		sides := []struct {
			p         *store.PivotDescriptor
			row       store.PivotRow
			canonical bool
		}{
			{p, c.Row, forwardCanonical},
			{inverse, c.Row.Flip(), !forwardCanonical},
		}
		for _, side := range sides {
			items = append(items, b.writeItem(c.Op, side.p, side.row, side.canonical))
		}
	}

	_, err := b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err)
}

func (b *Backend) writeItem(op store.ChangeOp, p *store.PivotDescriptor, row store.PivotRow, canonical bool) types.TransactWriteItem {
	table := aws.String(b.config.PivotTable)
	switch op {
	case store.PivotInsert:
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName:           table,
				Item:                pivotItem(p, row, canonical, b.config.NumShards),
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			},
		}
	case store.PivotUpdate:
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName:                table,
				Item:                     pivotItem(p, row, canonical, b.config.NumShards),
				ConditionExpression:      aws.String("attribute_exists(pk) AND #seq = :seq"),
				ExpressionAttributeNames: map[string]string{"#seq": attrSeq},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":seq": numberAttr(row.Seq),
				},
			},
		}
	default:
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:           table,
				Key:                 pivotKey(p, row, b.config.NumShards),
				ConditionExpression: aws.String("attribute_exists(pk)"),
			},
		}
	}
}

// mapTransactionError maps condition failures and transaction conflicts to
// store.ErrConcurrentModification.
func mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return fmt.Errorf("%w: %s", store.ErrConcurrentModification, *reason.Code)
			}
		}
	}

	var conflictErr *types.TransactionConflictException
	if errors.As(err, &conflictErr) {
		return fmt.Errorf("%w: %v", store.ErrConcurrentModification, err)
	}

	return err
}

func pivotKey(p *store.PivotDescriptor, row store.PivotRow, numShards int) map[string]types.AttributeValue {
	ownerRef := shard.OwnerRef(p.Table, p.ForeignPivotKey, int64(row.Left))
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: shard.PivotPK(ownerRef, int64(row.Right), numShards)},
		attrSK: numberAttr(int64(row.Right)),
	}
}

// pivotItem builds the adjacency item of row as seen from p's owner side.
func pivotItem(p *store.PivotDescriptor, row store.PivotRow, canonical bool, numShards int) map[string]types.AttributeValue {
	cols := make(map[string]types.AttributeValue, len(row.Columns))
	for k, v := range row.Columns {
		cols[k] = &types.AttributeValueMemberS{Value: v}
	}

	item := pivotKey(p, row, numShards)
	item[attrTable] = &types.AttributeValueMemberS{Value: p.Table}
	item[attrOwnerKey] = &types.AttributeValueMemberS{Value: p.ForeignPivotKey}
	item[attrOwner] = numberAttr(int64(row.Left))
	item[attrRelated] = numberAttr(int64(row.Right))
	item[attrSeq] = numberAttr(row.Seq)
	item[attrColumns] = &types.AttributeValueMemberM{Value: cols}
	item[attrCanonical] = &types.AttributeValueMemberBOOL{Value: canonical}
	if row.CreatedAt != nil {
		item[attrCreatedAt] = &types.AttributeValueMemberS{Value: formatTime(*row.CreatedAt)}
	}
	if row.UpdatedAt != nil {
		item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: formatTime(*row.UpdatedAt)}
	}
	return item
}

// PivotItem describes a pivot adjacency item decoded from the pivot table.
type PivotItem struct {
	Table     string
	OwnerKey  string
	Canonical bool
	Row       store.PivotRow
}

// ErrNotPivotItem is returned by DecodePivotItem for items that are not pivot
// rows, such as the Seq counters.
var ErrNotPivotItem = errors.New("dynamo: not a pivot item")

// DecodePivotItem decodes a pivot adjacency item.
func DecodePivotItem(item map[string]types.AttributeValue) (PivotItem, error) {
	table := getString(item, attrTable)
	if table == "" {
		return PivotItem{}, fmt.Errorf("%q: %w", getString(item, attrPK), ErrNotPivotItem)
	}
	row, err := unmarshalPivotRow(item)
	if err != nil {
		return PivotItem{}, err
	}
	canonical, _ := item[attrCanonical].(*types.AttributeValueMemberBOOL)
	return PivotItem{
		Table:     table,
		OwnerKey:  getString(item, attrOwnerKey),
		Canonical: canonical != nil && canonical.Value,
		Row:       row,
	}, nil
}

func unmarshalPivotRow(item map[string]types.AttributeValue) (store.PivotRow, error) {
	row := store.PivotRow{
		Seq:     getNumber(item, attrSeq),
		Left:    store.ID(getNumber(item, attrOwner)),
		Right:   store.ID(getNumber(item, attrRelated)),
		Columns: make(map[string]string),
	}
	if m, ok := item[attrColumns].(*types.AttributeValueMemberM); ok {
		for k, v := range m.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				row.Columns[k] = s.Value
			}
		}
	}
	var err error
	if row.CreatedAt, err = parseTime(getString(item, attrCreatedAt)); err != nil {
		return store.PivotRow{}, fmt.Errorf("created_at: %w", err)
	}
	if row.UpdatedAt, err = parseTime(getString(item, attrUpdatedAt)); err != nil {
		return store.PivotRow{}, fmt.Errorf("updated_at: %w", err)
	}
	return row, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
