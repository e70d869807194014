package errors

import (
	"fmt"
	"testing"
)

func TestServiceError_IsCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", Validation("invalid batch", "entry 1: missing currency"))

	if !IsCode(err, CodeValidation) {
		t.Fatalf("expected validation code in %v", err)
	}

	if IsCode(err, CodeNotFound) {
		t.Fatal("unexpected not_found match")
	}
}

func TestServiceError_MessageIncludesReasons(t *testing.T) {
	err := Validation("invalid batch", "a", "b")

	want := "invalid batch: a; b"
	if err.Error() != want {
		t.Fatalf("unexpected message, want: %q, got: %q", want, err.Error())
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Infrastructure("couldn't upsert", cause)

	if err.Unwrap() != cause {
		t.Fatal("expected the cause to be unwrapped")
	}
}
