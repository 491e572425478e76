package capability_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wittgen/lgdl/internal/capability"
	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

func schedulingContract() *capability.Contract {
	return &capability.Contract{
		Services: map[string]*capability.ServiceSpec{
			"scheduling": {
				Transport:             capability.TransportSpec{Kind: "mock"},
				DefaultTimeoutSeconds: 5,
				Functions: map[string]*capability.FunctionSpec{
					"check_availability": {
						Args: []capability.ArgSpec{
							{Name: "doctor", Type: capability.ArgString, Required: true},
							{Name: "urgent", Type: capability.ArgBoolean, Required: false},
						},
						Mock: []byte(`"Dr. Smith has availability tomorrow at 10am"`),
					},
					"book": {
						Args: []capability.ArgSpec{
							{Name: "slot_id", Type: capability.ArgNumber, Required: true},
						},
						TimeoutSeconds: 0.05,
						Mock:           []byte(`{"booked": true}`),
					},
				},
			},
		},
	}
}

func allowingGame(qualified ...string) *game.Game {
	g := &game.Game{ID: "medical", CapabilityAllowlist: map[string]struct{}{}}
	for _, q := range qualified {
		g.CapabilityAllowlist[q] = struct{}{}
	}
	return g
}

func TestInvoke_SuccessServesMockPayload(t *testing.T) {
	contract := schedulingContract()
	transport := capability.NewMockTransport(contract)
	inv := capability.New(contract, transport)

	res, err := inv.Invoke(context.Background(),
		allowingGame("scheduling.check_availability"),
		&game.CapabilityAction{Service: "scheduling", Function: "check_availability", Await: true},
		map[string]string{"doctor": "Smith"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != capability.StatusSuccess {
		t.Fatalf("status = %v (err %v), want success", res.Status, res.Err)
	}
	if !strings.Contains(res.Payload, "availability") {
		t.Errorf("payload = %q", res.Payload)
	}
	if transport.CallCount() != 1 {
		t.Errorf("transport called %d times, want 1", transport.CallCount())
	}
}

func TestInvoke_AllowlistDenialDoesNotExecute(t *testing.T) {
	contract := schedulingContract()
	transport := capability.NewMockTransport(contract)
	inv := capability.New(contract, transport)

	res, err := inv.Invoke(context.Background(),
		allowingGame(), // empty allowlist
		&game.CapabilityAction{Service: "scheduling", Function: "check_availability", Await: true},
		map[string]string{"doctor": "Smith"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != capability.StatusNotAllowed {
		t.Fatalf("status = %v, want not_allowed", res.Status)
	}
	if transport.CallCount() != 0 {
		t.Error("denied capability must never reach the transport")
	}
	if lgerr.CodeOf(res.Err) != lgerr.CodeCapabilityDenied {
		t.Errorf("logged err = %v, want E210", res.Err)
	}
	// The user-visible message must not leak contract details.
	if strings.Contains(res.UserMessage, "allowlist") || strings.Contains(res.UserMessage, "contract") {
		t.Errorf("user message leaks diagnostics: %q", res.UserMessage)
	}
}

func TestInvoke_SchemaViolationsAreE211(t *testing.T) {
	contract := schedulingContract()
	inv := capability.New(contract, capability.NewMockTransport(contract))
	g := allowingGame("scheduling.check_availability", "scheduling.book")
	act := &game.CapabilityAction{Service: "scheduling", Function: "check_availability", Await: true}

	tests := []struct {
		name string
		fn   *game.CapabilityAction
		args map[string]string
	}{
		{"missing required", act, map[string]string{}},
		{"undeclared arg", act, map[string]string{"doctor": "Smith", "favorite_color": "blue"}},
		{"bad boolean", act, map[string]string{"doctor": "Smith", "urgent": "kinda"}},
		{"bad number", &game.CapabilityAction{Service: "scheduling", Function: "book", Await: true},
			map[string]string{"slot_id": "first one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := inv.Invoke(context.Background(), g, tt.fn, tt.args)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if res.Status != capability.StatusFailed {
				t.Fatalf("status = %v, want failed", res.Status)
			}
			if lgerr.CodeOf(res.Err) != lgerr.CodeCapabilityArgs {
				t.Errorf("err = %v, want E211", res.Err)
			}
		})
	}
}

func TestInvoke_TimeoutMapsToFailed(t *testing.T) {
	contract := schedulingContract()
	transport := capability.NewMockTransport(contract)
	transport.Block = make(chan struct{}) // never released: the call hangs
	inv := capability.New(contract, transport)

	start := time.Now()
	res, err := inv.Invoke(context.Background(),
		allowingGame("scheduling.book"),
		&game.CapabilityAction{Service: "scheduling", Function: "book", Await: true},
		map[string]string{"slot_id": "12"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != capability.StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if lgerr.CodeOf(res.Err) != lgerr.CodeCapabilityTimeout {
		t.Errorf("err = %v, want E212", res.Err)
	}
	// The 0.05s function timeout must bound the wait.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, contract says 50ms", elapsed)
	}
}

func TestInvoke_TransportErrorMapsToFailed(t *testing.T) {
	contract := schedulingContract()
	transport := capability.NewMockTransport(contract)
	cause := errors.New("connection refused")
	transport.Err = cause
	inv := capability.New(contract, transport)

	res, err := inv.Invoke(context.Background(),
		allowingGame("scheduling.check_availability"),
		&game.CapabilityAction{Service: "scheduling", Function: "check_availability", Await: true},
		map[string]string{"doctor": "Smith"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != capability.StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if lgerr.CodeOf(res.Err) != lgerr.CodeCapabilityFailed {
		t.Errorf("err = %v, want E213", res.Err)
	}
	// The transport's error stays reachable for logs and classification.
	if !errors.Is(res.Err, cause) {
		t.Errorf("cause not wrapped: %v", res.Err)
	}
	if strings.Contains(res.UserMessage, "connection refused") {
		t.Errorf("user message leaks transport detail: %q", res.UserMessage)
	}
}

func TestInvoke_AsyncReturnsPendingToken(t *testing.T) {
	contract := schedulingContract()
	transport := capability.NewMockTransport(contract)
	inv := capability.New(contract, transport)

	res, err := inv.Invoke(context.Background(),
		allowingGame("scheduling.check_availability"),
		&game.CapabilityAction{Service: "scheduling", Function: "check_availability", Await: false},
		map[string]string{"doctor": "Smith"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != capability.StatusPending {
		t.Fatalf("status = %v, want pending", res.Status)
	}
	if res.PendingToken == "" {
		t.Error("pending result must carry a token")
	}

	// The dispatch happens in the background; wait for it.
	deadline := time.After(2 * time.Second)
	for transport.CallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("async call never reached the transport")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestInvoke_TypedArgsCrossTheWire(t *testing.T) {
	contract := schedulingContract()
	transport := capability.NewMockTransport(contract)
	inv := capability.New(contract, transport)

	_, err := inv.Invoke(context.Background(),
		allowingGame("scheduling.book"),
		&game.CapabilityAction{Service: "scheduling", Function: "book", Await: true, TimeoutSeconds: 5},
		map[string]string{"slot_id": "12"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := transport.Args[0]["slot_id"]; got != float64(12) {
		t.Errorf("slot_id crossed the wire as %T(%v), want float64(12)", got, got)
	}
}

func TestContract_TimeoutPrecedence(t *testing.T) {
	c := schedulingContract()
	svc := c.Services["scheduling"]

	// Action override wins.
	if d := c.Timeout(svc, svc.Functions["book"], 2); d != 2*time.Second {
		t.Errorf("action override: %v, want 2s", d)
	}
	// Function timeout beats service default.
	if d := c.Timeout(svc, svc.Functions["book"], 0); d != 50*time.Millisecond {
		t.Errorf("function timeout: %v, want 50ms", d)
	}
	// Service default applies when the function is silent.
	if d := c.Timeout(svc, svc.Functions["check_availability"], 0); d != 5*time.Second {
		t.Errorf("service default: %v, want 5s", d)
	}
	// Library default when everything is silent.
	bare := &capability.ServiceSpec{}
	if d := c.Timeout(bare, &capability.FunctionSpec{}, 0); d != capability.DefaultTimeout {
		t.Errorf("library default: %v, want %v", d, capability.DefaultTimeout)
	}
}
