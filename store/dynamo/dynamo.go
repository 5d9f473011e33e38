package dynamo

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/store"
)

const creatorIndex = "GSI_CreatorSessions"

type DynamoSessionStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSessionStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoSessionStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoSessionStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoSessionStore) CreateSession(ctx context.Context, record models.SessionRecord) (models.SessionRecord, bool, error) {
	ds, created, err := ensureItem(dynamoStore, ctx, sessionToDynamo(record))
	if err != nil {
		return models.SessionRecord{}, false, err
	}
	return sessionFromDynamo(ds), created, nil
}

func (dynamoStore *DynamoSessionStore) GetSession(ctx context.Context, sessionId string) (models.SessionRecord, error) {
	ds, err := getItem[dynamoSession](dynamoStore, ctx, sessionPK(sessionId), sessionSK, true)
	if err != nil {
		return models.SessionRecord{}, err
	}
	return sessionFromDynamo(ds), nil
}

func (dynamoStore *DynamoSessionStore) ExtendSession(ctx context.Context, sessionId string, expiresAt int64) (models.SessionRecord, error) {
	ds := dynamoSession{PK: sessionPK(sessionId), SK: sessionSK, ExpiresAt: expiresAt}
	updated, err := updateItem(dynamoStore, ctx, ds, []string{"ExpiresAt"})
	if err != nil {
		return models.SessionRecord{}, err
	}
	return sessionFromDynamo(updated), nil
}

func (dynamoStore *DynamoSessionStore) DeleteSession(ctx context.Context, sessionId string) error {
	return deleteItemWithCondition(dynamoStore, ctx, sessionPK(sessionId), sessionSK, "", "")
}

func (dynamoStore *DynamoSessionStore) DeleteCreatorSession(ctx context.Context, sessionId string, creatorId string) error {
	return deleteItemWithCondition(dynamoStore, ctx, sessionPK(sessionId), sessionSK, "Creator", creatorId)
}

func (dynamoStore *DynamoSessionStore) GetCreatorSessions(ctx context.Context, creatorId string) ([]string, error) {
	results, err := queryAllByGSI(dynamoStore, ctx, creatorIndex, "Creator", creatorId)
	if err != nil {
		return nil, err
	}

	sessions := make([]string, 0, len(results))
	for _, pk := range results {
		// PK format is SESSION#<SessionId>
		if id, ok := strings.CutPrefix(pk, sessionPrefix); ok {
			sessions = append(sessions, id)
		}
	}
	return sessions, nil
}

func (dynamoStore *DynamoSessionStore) CountCreatorSessions(ctx context.Context, creatorId string) (int, error) {
	return countByGSI(dynamoStore, ctx, creatorIndex, "Creator", creatorId)
}

func (dynamoStore *DynamoSessionStore) IncrementCounter(ctx context.Context, sessionId string, activity models.Activity, count int) error {
	field, err := counterField(activity)
	if err != nil {
		return err
	}
	// Strict mode: a torn down session must not come back as a partial record
	return incrementCounter(dynamoStore, ctx, sessionPK(sessionId), sessionSK, field, count, false)
}

var _ store.SessionStore = (*DynamoSessionStore)(nil)
