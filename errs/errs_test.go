package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyTypedError(t *testing.T) {
	err := New(Resource, "sweep", errors.New("disk full"))
	if Classify(err) != Resource {
		t.Errorf("expected resource, got %s", Classify(err))
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if Classify(wrapped) != Resource {
		t.Errorf("expected resource through wrapping, got %s", Classify(wrapped))
	}
}

func TestClassifyDeadline(t *testing.T) {
	if Classify(context.DeadlineExceeded) != Transient {
		t.Errorf("expected deadline to be transient")
	}
}

func TestClassifyMessageFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"read tcp: connection reset by peer", Transient},
		{"request throttled, try again", Transient},
		{"HTTP 429 too many requests", Transient},
		{"no space left on device", Resource},
		{"access denied for role", Fatal},
		{"unexpected end of JSON input", Data},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(Transient, "put", errors.New("timeout"))) {
		t.Errorf("expected transient to be retryable")
	}
	for _, kind := range []Kind{Data, Resource, Fatal, Logic} {
		if Retryable(New(kind, "op", errors.New("boom"))) {
			t.Errorf("expected %s not to be retryable", kind)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := Newf(Data, "restore", "checksum mismatch for chunk %d", 3)
	if got := err.Error(); got != "data: restore: checksum mismatch for chunk 3" {
		t.Errorf("unexpected message: %s", got)
	}
}
