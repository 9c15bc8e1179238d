package otel_test

import (
	"context"
	"testing"

	"github.com/louisbranch/ledgerkeep/internal/platform/otel"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("LEDGERKEEP_OTEL_ENDPOINT", "")
	t.Setenv("LEDGERKEEP_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("LEDGERKEEP_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("LEDGERKEEP_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so no export happens.
	t.Setenv("LEDGERKEEP_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("LEDGERKEEP_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestTracerStartsSpans(t *testing.T) {
	_, span := otel.Tracer("ledger").Start(context.Background(), "ledger.Append")
	defer span.End()
	if span == nil {
		t.Fatal("expected span")
	}
}
