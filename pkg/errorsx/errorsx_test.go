package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := Wrap(base, ReasonASRConnect)
	if Reason(err) != ReasonASRConnect {
		t.Fatalf("expected reason %q, got %q", ReasonASRConnect, Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(errors.New("boom"), ReasonTTSSynthesize)
	err = Wrap(fmt.Errorf("outer: %w", err), ReasonLLMGenerate)
	if Reason(err) != ReasonTTSSynthesize {
		t.Fatalf("expected inner reason preserved, got %q", Reason(err))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonConversion) != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}
