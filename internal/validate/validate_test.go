package validate

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIntRange(t *testing.T) {
	if err := IntRange("days", 7, 1, 365); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := IntRange("days", 0, 1, 365)
	if err == nil {
		t.Fatal("expected error for 0")
	}
	if !Is(err) {
		t.Errorf("error %v is not a validation error", err)
	}
	if !strings.HasPrefix(err.Error(), "days: ") {
		t.Errorf("error = %q, want field prefix", err.Error())
	}
}

func TestIs_Wrapped(t *testing.T) {
	err := fmt.Errorf("recording: %w", Errorf("ipAddress", "is required"))
	if !Is(err) {
		t.Error("wrapped validation error not detected")
	}
	if Is(fmt.Errorf("disk full")) {
		t.Error("plain error detected as validation error")
	}
}

func TestStruct(t *testing.T) {
	type req struct {
		SessionID string `validate:"required"`
		Days      int    `validate:"min=1,max=365"`
	}
	if err := Struct(&req{SessionID: "s1", Days: 30}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := Struct(&req{Days: 400})
	if err == nil {
		t.Fatal("expected error")
	}
	ve, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if ve.Field != "SessionID,Days" {
		t.Errorf("field = %q", ve.Field)
	}
	if !strings.Contains(ve.Message, "is required") || !strings.Contains(ve.Message, "at most 365") {
		t.Errorf("message = %q", ve.Message)
	}
}

func TestStruct_UsesJSONNames(t *testing.T) {
	type req struct {
		SessionID string `json:"sessionId" validate:"required"`
	}
	err := Struct(&req{})
	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ve.Field != "sessionId" {
		t.Errorf("field = %q, want sessionId", ve.Field)
	}
}
