package kinesis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/eventcore/internal/infrastructure/store"
)

const itemTypeEvent = "event"

// ConvertFromKinesisRecord converts a Kinesis record carrying a DynamoDB
// stream change of the events table. It returns nil for changes that are not
// newly inserted events, such as head or sequence counter updates.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.Event, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB stream record.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}
	if v, ok := record.Change.NewImage["item_type"]; ok && (v.DataType() != events.DataTypeString || v.String() != itemTypeEvent) {
		return nil, nil
	}
	return convertDynamoDBImage(record.Change.NewImage)
}

// convertDynamoDBImage reads an event item as written by DynamoEventStore.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	str := func(name string) string {
		if v, ok := image[name]; ok && v.DataType() == events.DataTypeString {
			return v.String()
		}
		return ""
	}
	num := func(name string) (int64, error) {
		v, ok := image[name]
		if !ok {
			return 0, nil
		}
		if v.DataType() != events.DataTypeNumber {
			return 0, fmt.Errorf("%s is not a number", name)
		}
		return strconv.ParseInt(v.Number(), 10, 64)
	}

	event := &store.Event{
		ID:         str("id"),
		StreamID:   str("stream_id"),
		StreamType: str("stream_type"),
		EventType:  str("event_type"),
		Actor:      str("actor"),
		Data:       json.RawMessage(str("data")),
	}

	var err error
	if event.Version, err = num("version"); err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}
	if event.Position, err = num("position"); err != nil {
		return nil, fmt.Errorf("failed to parse position: %w", err)
	}
	schema, err := num("schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema_version: %w", err)
	}
	event.SchemaVersion = int(schema)

	ns, err := num("occurred_at_ns")
	if err != nil {
		return nil, fmt.Errorf("failed to parse occurred_at_ns: %w", err)
	}
	if ns != 0 {
		event.OccurredAt = time.Unix(0, ns).UTC()
	} else if s := str("occurred_at"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse occurred_at: %w", err)
		}
		event.OccurredAt = t.UTC()
	}

	if event.ID == "" || event.StreamID == "" || event.EventType == "" || event.Version <= 0 || event.Position <= 0 {
		return nil, fmt.Errorf("missing required fields: id=%q, stream_id=%q, event_type=%q, version=%d, position=%d",
			event.ID, event.StreamID, event.EventType, event.Version, event.Position)
	}
	return event, nil
}

// BatchConvertFromKinesisEvent converts all records from a Kinesis event.
// Returns successfully converted events and any errors encountered.
func BatchConvertFromKinesisEvent(kinesisEvent events.KinesisEvent) ([]*store.Event, []error) {
	var eventList []*store.Event
	var errs []error

	for _, record := range kinesisEvent.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", record.EventID, err))
			continue
		}
		if event != nil {
			eventList = append(eventList, event)
		}
	}

	return eventList, errs
}
