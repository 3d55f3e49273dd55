package ledgerflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTypedRejectsOtherPayloads(t *testing.T) {
	var got CustomerCreated
	entry := Typed(func(_ context.Context, evt CustomerCreated) error {
		got = evt
		return nil
	})

	if err := entry(context.Background(), CustomerCreated{CustomerID: "123"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CustomerID != "123" {
		t.Fatalf("expected customer 123, got %q", got.CustomerID)
	}

	err := entry(context.Background(), TradeCreated{TradeID: "1"})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !IsTerminal(err) {
		t.Fatal("payload mismatch must be terminal")
	}
}

func TestNewServiceExportValidatesInput(t *testing.T) {
	if _, err := NewService(nil, NewNopServiceLogger(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewNopServiceLogger()
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestTopicExports(t *testing.T) {
	if DLQTopic(TopicCustomerCreated) != "customer.created.dlq" {
		t.Fatalf("unexpected dlq topic %q", DLQTopic(TopicCustomerCreated))
	}
	if !IsDLQTopic("transaction.created.dlq") {
		t.Fatal("expected dlq topic to be recognised")
	}
	if SubjectID([]byte(`{"buyer_id":"b-1"}`)) != "b-1" {
		t.Fatal("expected buyer as subject")
	}
}

func TestEventIDsAreOrdered(t *testing.T) {
	first := NewEventID()
	time.Sleep(2 * time.Millisecond)
	second := NewEventID()
	if len(first) != 26 || first >= second {
		t.Fatalf("expected sortable ULIDs, got %q then %q", first, second)
	}
}

func TestErrorKindConstants(t *testing.T) {
	if KindValidation != "validation" {
		t.Fatalf("expected KindValidation to be 'validation', got %q", KindValidation)
	}
	if DefaultMaxRetries != 10 {
		t.Fatalf("expected 10 retries, got %d", DefaultMaxRetries)
	}
}
