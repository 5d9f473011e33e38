package dynamo

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/models"
)

func TestSessionMapping(t *testing.T) {
	record := models.SessionRecord{
		Id:          "R1",
		Creator:     "A",
		CreatedAt:   1700000000000,
		ExpiresAt:   1700086400,
		StrokeCount: 3,
		NoteCount:   1,
	}

	ds := sessionToDynamo(record)
	assert.Equal(t, "SESSION#R1", ds.PK)
	assert.Equal(t, sessionSK, ds.SK)
	assert.Equal(t, record, sessionFromDynamo(ds))

	item, err := attributevalue.MarshalMap(ds)
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "A"}, item["Creator"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1700086400"}, item["ExpiresAt"])
}

func TestCounterField(t *testing.T) {
	field, err := counterField(models.ActivityStroke)
	require.NoError(t, err)
	assert.Equal(t, "StrokeCount", field)

	field, err = counterField(models.ActivityShare)
	require.NoError(t, err)
	assert.Equal(t, "ShareCount", field)

	_, err = counterField(models.Activity(9))
	assert.Error(t, err)
}

func TestItemKey(t *testing.T) {
	key := itemKey("SESSION#R1", sessionSK)
	assert.Len(t, key, 2)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "SESSION#R1"}, key["PK"])
}
