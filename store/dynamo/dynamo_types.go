package dynamo

import (
	"fmt"

	"github.com/zlnvch/studysync/models"
)

const (
	sessionPrefix = "SESSION#"
	sessionSK     = "META"
)

type dynamoSession struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Id          string `dynamodbav:"Id"`
	Creator     string `dynamodbav:"Creator"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
	ExpiresAt   int64  `dynamodbav:"ExpiresAt"` // table TTL attribute, epoch seconds
	StrokeCount int    `dynamodbav:"StrokeCount"`
	NoteCount   int    `dynamodbav:"NoteCount"`
	ShareCount  int    `dynamodbav:"ShareCount"`
}

func sessionPK(sessionId string) string {
	return sessionPrefix + sessionId
}

// Map domain SessionRecord -> Dynamo
func sessionToDynamo(r models.SessionRecord) dynamoSession {
	return dynamoSession{
		PK:          sessionPK(r.Id),
		SK:          sessionSK,
		Id:          r.Id,
		Creator:     r.Creator,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		StrokeCount: r.StrokeCount,
		NoteCount:   r.NoteCount,
		ShareCount:  r.ShareCount,
	}
}

// Map Dynamo -> domain SessionRecord
func sessionFromDynamo(ds dynamoSession) models.SessionRecord {
	return models.SessionRecord{
		Id:          ds.Id,
		Creator:     ds.Creator,
		CreatedAt:   ds.CreatedAt,
		ExpiresAt:   ds.ExpiresAt,
		StrokeCount: ds.StrokeCount,
		NoteCount:   ds.NoteCount,
		ShareCount:  ds.ShareCount,
	}
}

func counterField(activity models.Activity) (string, error) {
	switch activity {
	case models.ActivityStroke:
		return "StrokeCount", nil
	case models.ActivityNote:
		return "NoteCount", nil
	case models.ActivityShare:
		return "ShareCount", nil
	}
	return "", fmt.Errorf("unknown activity %d", activity)
}
