package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TableClient is the subset of *dynamodb.Client needed to manage the tables.
type TableClient interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	dynamodb.DescribeTableAPIClient
}

// tableWait bounds how long CreateTables waits for a table to become active.
const tableWait = 2 * time.Minute

// CreateTables creates the entity and pivot tables named in config and waits
// until both are active. Both tables key on pk (S) and sk (N); the pivot table
// streams new and old images for the pivot stream handler.
func CreateTables(ctx context.Context, client TableClient, config Config) error {
	config.validate()

	inputs := []*dynamodb.CreateTableInput{
		tableInput(config.EntityTable),
		tableInput(config.PivotTable),
	}
	inputs[1].StreamSpecification = &types.StreamSpecification{
		StreamEnabled:  aws.Bool(true),
		StreamViewType: types.StreamViewTypeNewAndOldImages,
	}

	for _, in := range inputs {
		if _, err := client.CreateTable(ctx, in); err != nil {
			return fmt.Errorf("create table %s: %w", aws.ToString(in.TableName), err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	for _, in := range inputs {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: in.TableName,
		}, tableWait); err != nil {
			return fmt.Errorf("wait for table %s: %w", aws.ToString(in.TableName), err)
		}
	}

	config.Logger.Info("tables created",
		"entityTable", config.EntityTable,
		"pivotTable", config.PivotTable)
	return nil
}

// DeleteTables deletes the entity and pivot tables named in config.
func DeleteTables(ctx context.Context, client TableClient, config Config) error {
	config.validate()

	for _, name := range []string{config.EntityTable, config.PivotTable} {
		if _, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(name),
		}); err != nil {
			return fmt.Errorf("delete table %s: %w", name, err)
		}
	}
	return nil
}

func tableInput(name string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeN},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}
