package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by the stores.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

const (
	itemTypeEvent = "event"
	itemTypeHead  = "head"

	// sequenceKey is the partition holding the global position counter.
	sequenceKey = "$sequence"
	// gsi1Events is the fixed GSI1 partition for all event items.
	gsi1Events = "EVENTS"

	// TransactWriteItems accepts 100 actions; two are the head and counter.
	maxDynamoBatch       = 98
	maxSequenceRetries   = 10
	conditionCheckFailed = "ConditionalCheckFailed"
)

// DynamoEventStore stores events in DynamoDB.
// Events are automatically streamed to Kinesis Data Streams via DynamoDB Kinesis integration.
//
// Table layout (partition key stream_id, sort key version):
//   - event items at version >= 1, also indexed by GSI1 (gsi1pk, position);
//   - one head item per stream at version 0 holding the head version;
//   - the global position counter at (stream_id="$sequence", version=0).
type DynamoEventStore struct {
	client    DynamoAPI
	tableName string
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	StreamID      string `dynamodbav:"stream_id"`
	Version       int64  `dynamodbav:"version"`
	ItemType      string `dynamodbav:"item_type"`
	ID            string `dynamodbav:"id"`
	StreamType    string `dynamodbav:"stream_type"`
	EventType     string `dynamodbav:"event_type"`
	SchemaVersion int    `dynamodbav:"schema_version"`
	Position      int64  `dynamodbav:"position"`
	Actor         string `dynamodbav:"actor"`
	Data          string `dynamodbav:"data"`
	OccurredAt    string `dynamodbav:"occurred_at"`
	OccurredAtNs  int64  `dynamodbav:"occurred_at_ns"`
	GSI1PK        string `dynamodbav:"gsi1pk"`
}

type dynamoHead struct {
	StreamID   string `dynamodbav:"stream_id"`
	Version    int64  `dynamodbav:"version"`
	ItemType   string `dynamodbav:"item_type"`
	StreamType string `dynamodbav:"stream_type"`
	Head       int64  `dynamodbav:"head"`
}

func NewDynamoEventStore(client DynamoAPI, tableName string) *DynamoEventStore {
	return &DynamoEventStore{
		client:    client,
		tableName: tableName,
	}
}

func toDynamoEvent(e Event) dynamoEvent {
	return dynamoEvent{
		StreamID:      e.StreamID,
		Version:       e.Version,
		ItemType:      itemTypeEvent,
		ID:            e.ID,
		StreamType:    e.StreamType,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		Position:      e.Position,
		Actor:         e.Actor,
		Data:          string(e.Data),
		OccurredAt:    e.OccurredAt.Format(time.RFC3339Nano),
		OccurredAtNs:  e.OccurredAt.UnixNano(),
		GSI1PK:        gsi1Events,
	}
}

func (de dynamoEvent) toEvent() Event {
	return Event{
		ID:            de.ID,
		StreamID:      de.StreamID,
		StreamType:    de.StreamType,
		EventType:     de.EventType,
		SchemaVersion: de.SchemaVersion,
		Version:       de.Version,
		Position:      de.Position,
		Actor:         de.Actor,
		Data:          json.RawMessage(de.Data),
		OccurredAt:    time.Unix(0, de.OccurredAtNs).UTC(),
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func keyOf(streamID string, version int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"stream_id": &types.AttributeValueMemberS{Value: streamID},
		"version":   numberAttr(version),
	}
}

// Append writes the head update, the counter update and every event item in
// one transaction.
func (es *DynamoEventStore) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []EventData) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if len(events) > maxDynamoBatch {
		return nil, fmt.Errorf("dynamodb append: %d events exceeds the batch limit of %d", len(events), maxDynamoBatch)
	}
	if expectedVersion < 0 && expectedVersion != NoStream {
		return nil, fmt.Errorf("%w: %d", ErrInvalidExpectedVersion, expectedVersion)
	}
	head := expectedVersion
	if head == NoStream {
		head = 0
	}

	stored := prepare(streamID, streamType, head, events)

	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		observed, err := es.LastPosition(ctx)
		if err != nil {
			return nil, err
		}
		for i := range stored {
			stored[i].Position = observed + int64(i) + 1
		}

		input, err := es.appendInput(streamID, streamType, head, observed, stored)
		if err != nil {
			return nil, err
		}

		_, err = es.client.TransactWriteItems(ctx, input)
		if err == nil {
			return stored, nil
		}

		switch classifyCancellation(err) {
		case cancelSequence:
			continue
		case cancelHead:
			actual, herr := es.Head(ctx, streamID)
			if herr != nil {
				return nil, fmt.Errorf("read head after conflict: %w", herr)
			}
			return nil, conflict(streamID, expectedVersion, actual)
		default:
			return nil, fmt.Errorf("failed to append events: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to append events: global sequence contended after %d attempts", maxSequenceRetries)
}

func (es *DynamoEventStore) appendInput(streamID, streamType string, head, observed int64, stored []Event) (*dynamodb.TransactWriteItemsInput, error) {
	items := make([]types.TransactWriteItem, 0, len(stored)+2)

	// 0: global counter
	seqCond := "#p = :observed"
	if observed == 0 {
		seqCond = "attribute_not_exists(stream_id) OR #p = :observed"
	}
	items = append(items, types.TransactWriteItem{Update: &types.Update{
		TableName:                aws.String(es.tableName),
		Key:                      keyOf(sequenceKey, 0),
		UpdateExpression:         aws.String("SET #p = :next"),
		ConditionExpression:      aws.String(seqCond),
		ExpressionAttributeNames: map[string]string{"#p": "position"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":observed": numberAttr(observed),
			":next":     numberAttr(stored[len(stored)-1].Position),
		},
	}})

	// 1: stream head
	newHead := stored[len(stored)-1].Version
	if head == 0 {
		av, err := attributevalue.MarshalMap(dynamoHead{
			StreamID: streamID, Version: 0, ItemType: itemTypeHead, StreamType: streamType, Head: newHead,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal head: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(es.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(stream_id)"),
		}})
	} else {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           aws.String(es.tableName),
			Key:                 keyOf(streamID, 0),
			UpdateExpression:    aws.String("SET #h = :next"),
			ConditionExpression: aws.String("#h = :expected"),
			ExpressionAttributeNames: map[string]string{
				"#h": "head",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": numberAttr(head),
				":next":     numberAttr(newHead),
			},
		}})
	}

	// 2..n: event items
	for _, e := range stored {
		av, err := attributevalue.MarshalMap(toDynamoEvent(e))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(es.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(stream_id)"),
		}})
	}

	return &dynamodb.TransactWriteItemsInput{TransactItems: items}, nil
}

type cancelKind int

const (
	cancelOther cancelKind = iota
	cancelSequence
	cancelHead
)

// classifyCancellation maps transaction cancellation reasons to the item
// that failed its condition: index 0 is the counter, the rest belong to the
// stream.
func classifyCancellation(err error) cancelKind {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return cancelOther
	}
	kind := cancelOther
	for i, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) != conditionCheckFailed {
			continue
		}
		if i == 0 {
			kind = cancelSequence
			continue
		}
		return cancelHead
	}
	return kind
}

// Read returns events of a stream after fromVersion, strongly consistent
func (es *DynamoEventStore) Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	if fromVersion < 0 {
		fromVersion = 0
	}
	events := []Event{}
	var startKey map[string]types.AttributeValue
	for {
		result, err := es.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(es.tableName),
			KeyConditionExpression: aws.String("stream_id = :sid AND #v > :ver"),
			ExpressionAttributeNames: map[string]string{
				"#v": "version",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sid": &types.AttributeValueMemberS{Value: streamID},
				":ver": numberAttr(fromVersion),
			},
			ConsistentRead:    aws.Bool(true),
			ScanIndexForward:  aws.Bool(true), // Ascending order by version
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query stream: %w", err)
		}
		page, err := unmarshalEvents(result.Items)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}

	if len(events) == 0 {
		head, err := es.Head(ctx, streamID)
		if err != nil {
			return nil, err
		}
		if head == 0 {
			return nil, ErrStreamNotFound
		}
	}
	return events, nil
}

// ReadAll returns events after fromPosition using GSI1. GSI reads are
// eventually consistent, so the page is cut at the first missing position.
func (es *DynamoEventStore) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]Event, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND #p > :from"),
		ExpressionAttributeNames: map[string]string{
			"#p": "position",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: gsi1Events},
			":from": numberAttr(fromPosition),
		},
		ScanIndexForward: aws.Bool(true),
	}
	input.Limit = queryLimit(limit)

	result, err := es.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query all events: %w", err)
	}
	events, err := unmarshalEvents(result.Items)
	if err != nil {
		return nil, err
	}
	return contiguous(events, fromPosition), nil
}

// ReadFromTimestamp pages GSI1 and keeps events with OccurredAt >= ts
func (es *DynamoEventStore) ReadFromTimestamp(ctx context.Context, ts time.Time, fromPosition int64, limit int) ([]Event, error) {
	out := []Event{}
	pos := fromPosition
	for {
		page, err := es.ReadAll(ctx, pos, 500)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			pos = e.Position
			if e.OccurredAt.Before(ts) {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if len(page) < 500 {
			return out, nil
		}
	}
}

func (es *DynamoEventStore) Head(ctx context.Context, streamID string) (int64, error) {
	result, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(es.tableName),
		Key:            keyOf(streamID, 0),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get stream head: %w", err)
	}
	if result.Item == nil {
		return 0, nil
	}
	var h dynamoHead
	if err := attributevalue.UnmarshalMap(result.Item, &h); err != nil {
		return 0, fmt.Errorf("failed to unmarshal stream head: %w", err)
	}
	return h.Head, nil
}

func (es *DynamoEventStore) LastPosition(ctx context.Context) (int64, error) {
	result, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(es.tableName),
		Key:            keyOf(sequenceKey, 0),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get event sequence: %w", err)
	}
	if result.Item == nil {
		return 0, nil
	}
	var seq struct {
		Position int64 `dynamodbav:"position"`
	}
	if err := attributevalue.UnmarshalMap(result.Item, &seq); err != nil {
		return 0, fmt.Errorf("failed to unmarshal event sequence: %w", err)
	}
	return seq.Position, nil
}

// unmarshalEvents converts DynamoDB items to Event slice, skipping head items
// queryLimit converts a page size to a Query limit, nil meaning unbounded.
func queryLimit(limit int) *int32 {
	if limit <= 0 {
		return nil
	}
	return aws.Int32(int32(min(limit, math.MaxInt32)))
}

func unmarshalEvents(items []map[string]types.AttributeValue) ([]Event, error) {
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var de dynamoEvent
		if err := attributevalue.UnmarshalMap(item, &de); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if de.ItemType != itemTypeEvent {
			continue
		}
		events = append(events, de.toEvent())
	}
	return events, nil
}

// contiguous truncates events at the first gap after fromPosition.
func contiguous(events []Event, fromPosition int64) []Event {
	next := fromPosition + 1
	for i, e := range events {
		if e.Position != next {
			return events[:i]
		}
		next++
	}
	return events
}
