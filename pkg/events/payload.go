package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// NewEvent builds a pending outbox event whose payload is a protobuf Struct.
// Field values must be representable by structpb (strings, numbers, bools, nil, nested maps/slices).
func NewEvent(eventType string, fields map[string]any, now time.Time) (*OutboxEvent, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s payload: %w", eventType, err)
	}

	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return &OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		Status:    OutboxStatusPending,
		CreatedAt: now,
	}, nil
}

// DecodePayload turns a payload produced by NewEvent back into a map
func DecodePayload(payload []byte) (map[string]any, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return msg.AsMap(), nil
}
