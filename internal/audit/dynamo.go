package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	auditPKPrefix = "AUDIT#"
)

// AuditTTL is how long audit entries are retained before DynamoDB expires
// them.
const AuditTTL = 90 * 24 * time.Hour

// DynamoRecorder writes audit entries to DynamoDB, keyed by execution ID
// with the occurrence timestamp as the sort key so multiple entries per
// execution remain distinct.
type DynamoRecorder struct {
	client    *dynamodb.Client
	tableName string
}

var _ Recorder = (*DynamoRecorder)(nil)

// NewDynamoRecorder creates a recorder writing to the given table.
func NewDynamoRecorder(client *dynamodb.Client, tableName string) *DynamoRecorder {
	return &DynamoRecorder{client: client, tableName: tableName}
}

func (r *DynamoRecorder) Record(ctx context.Context, entry Entry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry %s: %w", entry.ExecutionID, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: auditPKPrefix + entry.ExecutionID}
	item["SK"] = &types.AttributeValueMemberS{Value: entry.OccurredAt.UTC().Format(time.RFC3339Nano)}
	item["expiresAt"] = &types.AttributeValueMemberN{
		Value: strconv.FormatInt(time.Now().Add(AuditTTL).Unix(), 10),
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem audit entry %s: %w", entry.ExecutionID, err)
	}

	log.Debug().
		Str("executionId", entry.ExecutionID).
		Str("errorKind", entry.ErrorKind).
		Msg("Audit entry persisted")
	return nil
}
