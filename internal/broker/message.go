package broker

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ledgerflow/internal/runtime/ids"
	"github.com/drblury/ledgerflow/internal/runtime/jsoncodec"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
)

// NewMessage wraps raw bytes in a Watermill message with a fresh ULID.
func NewMessage(payload []byte, md metadata.Metadata) *message.Message {
	msg := message.NewMessage(ids.New(), payload)
	msg.Metadata = metadata.ToWatermill(md)
	return msg
}

// NewJSONMessage marshals v and wraps it with NewMessage.
func NewJSONMessage(v any, md metadata.Metadata) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return NewMessage(payload, md), nil
}
