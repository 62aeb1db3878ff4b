package errors

import (
	stdErrors "errors"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	meta := MetadataFor(CodePrecondition)
	if meta.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("expected 400 for precondition, got %d", meta.HTTPStatus)
	}
	if !MetadataFor(CodeGateway).Retryable {
		t.Fatal("gateway errors should be retryable")
	}
}

func TestMetadataForUnknownCodeFallsBack(t *testing.T) {
	meta := MetadataFor(Code("NOPE"))
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal fallback, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeTxAborted, cause, "swap subscription records")
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be discoverable")
	}
	if As(err).Code() != CodeTxAborted {
		t.Fatalf("unexpected code %s", As(err).Code())
	}
}

func TestAsNilOnForeignError(t *testing.T) {
	if As(stdErrors.New("plain")) != nil {
		t.Fatal("expected nil for untyped error")
	}
}

func TestIsCode(t *testing.T) {
	err := New(CodePrecondition, "activePlanExists")
	if !IsCode(err, CodePrecondition) {
		t.Fatal("expected code match")
	}
	if IsCode(err, CodeGateway) {
		t.Fatal("unexpected code match")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "validation failed").WithDetails(map[string]string{"currency": "is required"})
	details, ok := err.Details().(map[string]string)
	if !ok || details["currency"] != "is required" {
		t.Fatalf("unexpected details %v", err.Details())
	}
}
