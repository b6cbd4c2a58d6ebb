package errors

import (
	"fmt"
	"testing"
)

func TestIsFatalForConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unknown keyword", NewProtocol("FOO", ErrUnknownKeyword, ""), true},
		{"set outside cycle", NewProtocol("SET", ErrNotCollecting, "send BEGIN first"), true},
		{"missing dimension", NewNotFound(ErrDimNotFound, "user"), true},
		{"obsolete", Wrap(ErrObsolete, "dimension user"), false},
		{"replay window", Wrap(ErrReplayWindow, "RBEGIN"), false},
		{"out of order", fmt.Errorf("tier 0: %w", ErrOutOfOrder), false},
		{"disabled", ErrDisabled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatalForConnection(tt.err); got != tt.want {
				t.Errorf("IsFatalForConnection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCategories(t *testing.T) {
	if !IsProtocol(NewProtocol("BEGIN", ErrNestedCycle, "")) {
		t.Error("nested cycle should be a protocol error")
	}
	if IsProtocol(ErrOutOfOrder) {
		t.Error("out of order is not a protocol error")
	}
	if !IsNotFound(NewNotFound(ErrChartNotFound, "sys.cpu")) {
		t.Error("chart not found should be a resolution error")
	}
	if !IsReplicationAnomaly(Wrapf(ErrNotReplicating, "chart %s", "sys.cpu")) {
		t.Error("not replicating should be a replication anomaly")
	}
}

func TestNewProtocol_Message(t *testing.T) {
	err := NewProtocol("SET", ErrNotCollecting, "send BEGIN first")
	want := "SET: no collection cycle open: send BEGIN first"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.ErrOrNil() != nil {
		t.Error("empty errors should be nil")
	}

	errs.Add("storage.tiers", "must not be empty")
	errs.Add("server.listen", "is required")

	err := errs.ErrOrNil()
	if err == nil {
		t.Fatal("expected error")
	}
	if !Is(errs[0], ErrInvalidConfig) {
		t.Error("validation error should unwrap to ErrInvalidConfig")
	}
	want := "validation failed: storage.tiers: must not be empty; server.listen: is required"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
