package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zlnvch/studysync/store"
)

func newDynamoDBClient(ctx context.Context, devMode bool, dynamodbEndpoint string) (*dynamodb.Client, error) {
	if devMode {
		// Local DynamoDB accepts any credentials
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		return dynamodb.New(dynamodb.Options{
			Credentials:      cfg.Credentials,
			Region:           cfg.Region,
			EndpointResolver: dynamodb.EndpointResolverFromURL(dynamodbEndpoint),
		}), nil
	}

	// Production: default config chain (task role, AWS endpoints)
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func getTables(client *dynamodb.Client, ctx context.Context) ([]string, error) {
	output, err := client.ListTables(ctx, &dynamodb.ListTablesInput{})
	if err != nil {
		return nil, err
	}
	return output.TableNames, nil
}

func itemKey(pk string, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// getItem retrieves an item of type T by PK and SK
func getItem[T any](dynamoStore *DynamoSessionStore, ctx context.Context, pk string, sk string, consistentRead bool) (T, error) {
	var zero T

	resp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(dynamoStore.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(consistentRead),
	})
	if err != nil {
		return zero, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return zero, store.ErrItemNotFound
	}

	var item T
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return zero, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item, nil
}

// ensureItem inserts item unless an item with the same PK exists, in which
// case the stored item is returned. The bool reports whether it was inserted.
func ensureItem[T any](dynamoStore *DynamoSessionStore, ctx context.Context, item T) (T, bool, error) {
	var zero T

	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return zero, false, fmt.Errorf("marshal error: %w", err)
	}
	pk, okPK := avMap["PK"].(*types.AttributeValueMemberS)
	sk, okSK := avMap["SK"].(*types.AttributeValueMemberS)
	if !okPK || !okSK {
		return zero, false, errors.New("struct missing PK or SK field")
	}

	_, err = dynamoStore.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(dynamoStore.tableName),
		Item:                avMap,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return item, true, nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return zero, false, fmt.Errorf("failed to put item: %w", err)
	}

	existing, err := getItem[T](dynamoStore, ctx, pk.Value, sk.Value, true)
	if err != nil {
		return zero, false, fmt.Errorf("failed to get existing item: %w", err)
	}
	return existing, false, nil
}

// queryAllByGSI returns the main table PK of every index entry with the given key.
func queryAllByGSI(dynamoStore *DynamoSessionStore, ctx context.Context, indexName string, pkField string, pkValue string) ([]string, error) {
	var results []string

	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, &dynamodb.QueryInput{
		TableName:              aws.String(dynamoStore.tableName),
		IndexName:              aws.String(indexName),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": pkField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkValue},
		},
		ProjectionExpression: aws.String("PK"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query GSI failed: %w", err)
		}
		for _, item := range page.Items {
			if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
				results = append(results, pk.Value)
			}
		}
	}
	return results, nil
}

// countByGSI counts index entries with the given key without fetching them.
func countByGSI(dynamoStore *DynamoSessionStore, ctx context.Context, indexName string, pkField string, pkValue string) (int, error) {
	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, &dynamodb.QueryInput{
		TableName:              aws.String(dynamoStore.tableName),
		IndexName:              aws.String(indexName),
		Select:                 types.SelectCount,
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": pkField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkValue},
		},
	})

	var total int32
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("count GSI failed: %w", err)
		}
		total += page.Count
	}
	return int(total), nil
}

// deleteItemWithCondition deletes an item by PK and SK. When conditionField
// is set, the item is only deleted if that field equals expectedValue.
// Deleting an item that does not exist is not an error unless a condition is given.
func deleteItemWithCondition(dynamoStore *DynamoSessionStore, ctx context.Context, pk string, sk string, conditionField string, expectedValue string) error {
	key := itemKey(pk, sk)
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       key,
	}
	if conditionField != "" {
		input.ConditionExpression = aws.String("#f = :val")
		input.ExpressionAttributeNames = map[string]string{"#f": conditionField}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":val": &types.AttributeValueMemberS{Value: expectedValue},
		}
	}

	_, err := dynamoStore.client.DeleteItem(ctx, input)
	if err == nil {
		return nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return fmt.Errorf("delete failed: %w", err)
	}
	// Either the item is gone or the condition did not hold
	getResp, getErr := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       key,
	})
	if getErr != nil {
		return fmt.Errorf("delete failed, and GetItem check also failed: %w", getErr)
	}
	if getResp.Item == nil {
		return store.ErrItemNotFound
	}
	return store.ErrConditionFailed
}

// updateItem sets the listed fields of an existing item and returns the
// updated item. Returns store.ErrItemNotFound if the item does not exist.
func updateItem[T any](dynamoStore *DynamoSessionStore, ctx context.Context, item T, fieldsToUpdate []string) (T, error) {
	var zero T

	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return zero, fmt.Errorf("marshal error: %w", err)
	}
	pkAttr, okPK := avMap["PK"]
	skAttr, okSK := avMap["SK"]
	if !okPK || !okSK {
		return zero, errors.New("struct missing PK or SK field")
	}

	updateExpr := ""
	exprAttrNames := make(map[string]string)
	exprAttrValues := make(map[string]types.AttributeValue)
	for _, field := range fieldsToUpdate {
		if field == "PK" || field == "SK" {
			continue
		}
		val, ok := avMap[field]
		if !ok {
			continue
		}
		if updateExpr != "" {
			updateExpr += ", "
		}
		updateExpr += fmt.Sprintf("#%s = :%s", field, field)
		exprAttrNames["#"+field] = field
		exprAttrValues[":"+field] = val
	}
	if updateExpr == "" {
		return zero, errors.New("nothing to update")
	}

	out, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(dynamoStore.tableName),
		Key:                       map[string]types.AttributeValue{"PK": pkAttr, "SK": skAttr},
		UpdateExpression:          aws.String("SET " + updateExpr),
		ExpressionAttributeNames:  exprAttrNames,
		ExpressionAttributeValues: exprAttrValues,
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return zero, store.ErrItemNotFound
		}
		return zero, fmt.Errorf("update failed: %w", err)
	}

	var updated T
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return zero, fmt.Errorf("failed to unmarshal updated item: %w", err)
	}
	return updated, nil
}

// incrementCounter atomically adds count to a numeric field.
// With createIfNotExists false the item must already exist.
func incrementCounter(
	dynamoStore *DynamoSessionStore,
	ctx context.Context,
	pk string,
	sk string,
	counterField string,
	count int,
	createIfNotExists bool,
) error {
	exprAttrValues := map[string]types.AttributeValue{
		":val":  &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
		":zero": &types.AttributeValueMemberN{Value: "0"},
	}
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(dynamoStore.tableName),
		Key:                       itemKey(pk, sk),
		UpdateExpression:          aws.String("SET #c = if_not_exists(#c, :zero) + :val"),
		ExpressionAttributeNames:  map[string]string{"#c": counterField},
		ExpressionAttributeValues: exprAttrValues,
	}
	if !createIfNotExists {
		input.ConditionExpression = aws.String("attribute_exists(PK)")
	}

	_, err := dynamoStore.client.UpdateItem(ctx, input)
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return fmt.Errorf("%w: PK=%s, SK=%s, field=%s", store.ErrItemNotFound, pk, sk, counterField)
		}
		return fmt.Errorf("increment counter failed: %w", err)
	}
	return nil
}
