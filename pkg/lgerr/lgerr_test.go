package lgerr_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wittgen/lgdl/pkg/lgerr"
)

func TestCodeOf_SurvivesWrapping(t *testing.T) {
	base := lgerr.New(lgerr.CodeSlotOutOfRange, "value 11 outside 1-10")
	wrapped := fmt.Errorf("fill slot: %w", fmt.Errorf("validate: %w", base))

	if got := lgerr.CodeOf(wrapped); got != lgerr.CodeSlotOutOfRange {
		t.Errorf("CodeOf = %q, want %q", got, lgerr.CodeSlotOutOfRange)
	}
	if got := lgerr.CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if got := lgerr.CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}

func TestIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("turn: %w", lgerr.New(lgerr.CodeUnknownGame, "game %q", "triage"))

	if !errors.Is(err, lgerr.New(lgerr.CodeUnknownGame, "")) {
		t.Error("expected errors.Is to match on code")
	}
	if errors.Is(err, lgerr.New(lgerr.CodeStoreDegraded, "")) {
		t.Error("matched a different code")
	}
}

func TestSanitized_HidesDetail(t *testing.T) {
	err := lgerr.Wrap(lgerr.CodeCapabilityFailed, errors.New("dial tcp 10.0.0.5:9000"),
		"invoke scheduling.check_availability").
		At("move appointment_request").
		WithHint("check the MCP service address")

	s := err.Sanitized()
	for _, leak := range []string{"10.0.0.5", "appointment_request", "MCP", "scheduling"} {
		if strings.Contains(s, leak) {
			t.Errorf("sanitized form leaks %q: %s", leak, s)
		}
	}
	if !strings.Contains(s, "E213") {
		t.Errorf("sanitized form missing code: %s", s)
	}

	full := err.Error()
	if !strings.Contains(full, "move appointment_request") || !strings.Contains(full, "E213") {
		t.Errorf("log form missing detail: %s", full)
	}
}

func TestWrap_ExposesCause(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := lgerr.Wrap(lgerr.CodeCapabilityTimeout, cause, "capability timed out")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
}
