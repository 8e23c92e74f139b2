package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoSnapshotStore keeps snapshots in a dedicated table keyed by stream_id.
type DynamoSnapshotStore struct {
	client    DynamoAPI
	tableName string
}

// dynamoSnapshot represents the DynamoDB item structure for snapshots
type dynamoSnapshot struct {
	StreamID      string `dynamodbav:"stream_id"`
	StreamType    string `dynamodbav:"stream_type"`
	Version       int64  `dynamodbav:"version"`
	SchemaVersion int    `dynamodbav:"schema_version"`
	State         string `dynamodbav:"state"`
	LastEventAtNs int64  `dynamodbav:"last_event_at_ns"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func NewDynamoSnapshotStore(client DynamoAPI, tableName string) *DynamoSnapshotStore {
	return &DynamoSnapshotStore{client: client, tableName: tableName}
}

// SaveSnapshot overwrites the stream's snapshot (no condition)
func (s *DynamoSnapshotStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	item := dynamoSnapshot{
		StreamID:      snapshot.StreamID,
		StreamType:    snapshot.StreamType,
		Version:       snapshot.Version,
		SchemaVersion: snapshot.SchemaVersion,
		State:         string(snapshot.State),
		LastEventAtNs: snapshot.LastEventAt.UnixNano(),
		CreatedAt:     snapshot.CreatedAt.Format(time.RFC3339Nano),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the snapshot for a stream, nil when absent
func (s *DynamoSnapshotStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"stream_id": &types.AttributeValueMemberS{Value: streamID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if result.Item == nil {
		return nil, nil // No snapshot exists
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, ds.CreatedAt)

	return &Snapshot{
		StreamID:      ds.StreamID,
		StreamType:    ds.StreamType,
		Version:       ds.Version,
		SchemaVersion: ds.SchemaVersion,
		State:         json.RawMessage(ds.State),
		LastEventAt:   time.Unix(0, ds.LastEventAtNs).UTC(),
		CreatedAt:     createdAt,
	}, nil
}

func (s *DynamoSnapshotStore) DeleteSnapshot(ctx context.Context, streamID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"stream_id": &types.AttributeValueMemberS{Value: streamID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
