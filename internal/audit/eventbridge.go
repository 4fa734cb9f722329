package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	eventSource     = "blob-recognizer"
	eventDetailType = "RecognitionUnexpectedError"
)

// EventBridgeAlerter emits an alert-worthy event for each audit entry so
// operators can attach alarms and follow-up automation.
type EventBridgeAlerter struct {
	client  *eventbridge.Client
	busName string
}

var _ Recorder = (*EventBridgeAlerter)(nil)

// NewEventBridgeAlerter creates an alerter publishing to the given bus.
// An empty bus name targets the account's default bus.
func NewEventBridgeAlerter(client *eventbridge.Client, busName string) *EventBridgeAlerter {
	return &EventBridgeAlerter{client: client, busName: busName}
}

func (a *EventBridgeAlerter) Record(ctx context.Context, entry Entry) error {
	detail, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit event %s: %w", entry.ExecutionID, err)
	}

	putEntry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(eventSource),
		DetailType: aws.String(eventDetailType),
		Detail:     aws.String(string(detail)),
	}
	if a.busName != "" {
		putEntry.EventBusName = aws.String(a.busName)
	}

	result, err := a.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{putEntry},
	})
	if err != nil {
		log.Error().Err(err).Str("executionId", entry.ExecutionID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("executionId", entry.ExecutionID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i,
					aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().Str("executionId", entry.ExecutionID).Msg("Audit alert emitted to EventBridge")
	return nil
}
