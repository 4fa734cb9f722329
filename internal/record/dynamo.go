package record

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "BLOB#"
	skMeta   = "META"
)

// RecordTTL is how long blob records are retained before DynamoDB expires
// them. Long enough for clients to collect results, short enough that the
// table does not accumulate dead uploads.
const RecordTTL = 30 * 24 * time.Hour

// DynamoStore implements Store using AWS DynamoDB with conditional writes.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// blobPK returns the partition key for a blob.
func blobPK(blobID string) string {
	return pkPrefix + blobID
}

// expiresAt returns the Unix epoch timestamp for record expiration.
func expiresAt() int64 {
	return time.Now().Add(RecordTTL).Unix()
}

func (s *DynamoStore) Put(ctx context.Context, rec *BlobRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal blob record %s: %w", rec.BlobID, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: blobPK(rec.BlobID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("PutItem blob %s: %w", rec.BlobID, err)
	}

	log.Debug().
		Str("blobId", rec.BlobID).
		Str("status", string(rec.Status)).
		Msg("Blob record created")
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, blobID string) (*BlobRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: blobPK(blobID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem blob %s: %w", blobID, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var rec BlobRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal blob %s: %w", blobID, err)
	}
	rec.BlobID = blobID
	return &rec, nil
}

// Update applies a conditional mutation via UpdateItem. The condition pins
// the current status so concurrent writers cannot overwrite each other: the
// loser gets ErrConflict instead of silently clobbering the record.
func (s *DynamoStore) Update(ctx context.Context, blobID string, mut Mutation) error {
	expr := "SET #status = :status, updatedAt = :now"
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberS{Value: string(mut.ExpectedStatus)},
		":status":   &types.AttributeValueMemberS{Value: string(mut.Status)},
		":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}

	if mut.Labels != nil {
		labelsAV, err := attributevalue.Marshal(mut.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels for blob %s: %w", blobID, err)
		}
		expr += ", labels = :labels"
		values[":labels"] = labelsAV
	}
	if mut.ErrorKind != "" {
		expr += ", errorKind = :errorKind"
		values[":errorKind"] = &types.AttributeValueMemberS{Value: string(mut.ErrorKind)}
	}
	if mut.CallbackStatus != "" {
		expr += ", callbackStatus = :callbackStatus"
		values[":callbackStatus"] = &types.AttributeValueMemberS{Value: string(mut.CallbackStatus)}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: blobPK(blobID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #status = :expected"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// The condition cannot distinguish a missing record from a
			// status mismatch without a read; resolve it here.
			if _, getErr := s.Get(ctx, blobID); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
			return ErrConflict
		}
		return fmt.Errorf("UpdateItem blob %s: %w", blobID, err)
	}

	log.Debug().
		Str("blobId", blobID).
		Str("from", string(mut.ExpectedStatus)).
		Str("to", string(mut.Status)).
		Msg("Blob record updated")
	return nil
}
