package machine

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
	execPKPrefix = "EXEC#"
	execSKMeta   = "META"
)

// ExecutionTTL is how long finished executions are retained for inspection
// before DynamoDB expires them.
const ExecutionTTL = 14 * 24 * time.Hour

// DynamoExecutionStore implements ExecutionStore using AWS DynamoDB with
// conditional writes as the lease mechanism.
type DynamoExecutionStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ ExecutionStore = (*DynamoExecutionStore)(nil)

// NewDynamoExecutionStore creates a store for the given table.
func NewDynamoExecutionStore(client *dynamodb.Client, tableName string) *DynamoExecutionStore {
	return &DynamoExecutionStore{client: client, tableName: tableName}
}

func execPK(executionID string) string {
	return execPKPrefix + executionID
}

func (s *DynamoExecutionStore) Create(ctx context.Context, exec *Execution) error {
	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ExecutionID, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: execPK(exec.ExecutionID)}
	item["SK"] = &types.AttributeValueMemberS{Value: execSKMeta}
	item["expiresAt"] = &types.AttributeValueMemberN{
		Value: strconv.FormatInt(time.Now().Add(ExecutionTTL).Unix(), 10),
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("PutItem execution %s: %w", exec.ExecutionID, err)
	}

	log.Debug().
		Str("executionId", exec.ExecutionID).
		Str("workflow", string(exec.Workflow)).
		Str("state", exec.CurrentState).
		Msg("Execution created")
	return nil
}

func (s *DynamoExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: execPK(executionID)},
			"SK": &types.AttributeValueMemberS{Value: execSKMeta},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem execution %s: %w", executionID, err)
	}
	if result.Item == nil {
		return nil, ErrExecutionNotFound
	}

	var exec Execution
	if err := attributevalue.UnmarshalMap(result.Item, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", executionID, err)
	}
	exec.ExecutionID = executionID
	return &exec, nil
}

// Advance applies a conditional transition. The condition pins the current
// state, the revision, and the running run-state: a worker whose view is
// stale gets ErrLeaseConflict and must abandon its step.
func (s *DynamoExecutionStore) Advance(ctx context.Context, executionID string, adv Advance) (*Execution, error) {
	expr := "SET currentState = :toState, attempt = :attempt, revision = revision + :one"
	values := map[string]types.AttributeValue{
		":fromState": &types.AttributeValueMemberS{Value: adv.FromState},
		":fromRev":   &types.AttributeValueMemberN{Value: strconv.FormatInt(adv.FromRevision, 10)},
		":running":   &types.AttributeValueMemberS{Value: string(RunStateRunning)},
		":toState":   &types.AttributeValueMemberS{Value: adv.ToState},
		":attempt":   &types.AttributeValueMemberN{Value: strconv.Itoa(adv.Attempt)},
		":one":       &types.AttributeValueMemberN{Value: "1"},
	}

	if adv.Context != nil {
		ctxAV, err := attributevalue.Marshal(adv.Context)
		if err != nil {
			return nil, fmt.Errorf("marshal context for execution %s: %w", executionID, err)
		}
		expr += ", context = :context"
		values[":context"] = ctxAV
	}
	if adv.RunState != "" {
		expr += ", runState = :runState"
		values[":runState"] = &types.AttributeValueMemberS{Value: string(adv.RunState)}
		if adv.RunState != RunStateRunning {
			expr += ", completedAt = :now"
			values[":now"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}
		}
	}
	var names map[string]string
	if adv.Error != "" {
		expr += ", #error = :error"
		values[":error"] = &types.AttributeValueMemberS{Value: adv.Error}
		names = map[string]string{"#error": "error"}
	}
	if adv.ErrorKind != "" {
		expr += ", errorKind = :errorKind"
		values[":errorKind"] = &types.AttributeValueMemberS{Value: adv.ErrorKind}
	}

	remove := ""
	if adv.WakeAt != nil {
		expr += ", wakeAt = :wakeAt"
		values[":wakeAt"] = &types.AttributeValueMemberS{Value: adv.WakeAt.UTC().Format(time.RFC3339Nano)}
	} else {
		remove = " REMOVE wakeAt"
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: execPK(executionID)},
			"SK": &types.AttributeValueMemberS{Value: execSKMeta},
		},
		UpdateExpression:          aws.String(expr + remove),
		ConditionExpression:       aws.String("currentState = :fromState AND revision = :fromRev AND runState = :running"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if _, getErr := s.Get(ctx, executionID); errors.Is(getErr, ErrExecutionNotFound) {
				return nil, ErrExecutionNotFound
			}
			return nil, ErrLeaseConflict
		}
		return nil, fmt.Errorf("UpdateItem execution %s: %w", executionID, err)
	}

	var exec Execution
	if err := attributevalue.UnmarshalMap(result.Attributes, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal advanced execution %s: %w", executionID, err)
	}
	exec.ExecutionID = executionID
	return &exec, nil
}

// ListRunning scans for executions still in RUNNING state. Running
// executions are a small working set, so a filtered scan suffices.
func (s *DynamoExecutionStore) ListRunning(ctx context.Context) ([]*Execution, error) {
	var running []*Execution
	var startKey map[string]types.AttributeValue

	for {
		result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        &s.tableName,
			FilterExpression: aws.String("begins_with(PK, :prefix) AND runState = :running"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix":  &types.AttributeValueMemberS{Value: execPKPrefix},
				":running": &types.AttributeValueMemberS{Value: string(RunStateRunning)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan running executions: %w", err)
		}

		for _, item := range result.Items {
			var exec Execution
			if err := attributevalue.UnmarshalMap(item, &exec); err != nil {
				return nil, fmt.Errorf("unmarshal scanned execution: %w", err)
			}
			if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
				exec.ExecutionID = pk.Value[len(execPKPrefix):]
			}
			running = append(running, &exec)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return running, nil
}
