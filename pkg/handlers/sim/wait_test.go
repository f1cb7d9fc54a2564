package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func successSignal(uniqueID string, data any) map[string]any {
	return map[string]any{
		"Status":   SignalSuccess,
		"UniqueId": uniqueID,
		"Data":     data,
		"Reason":   "",
	}
}

func failureSignal(uniqueID, reason string) map[string]any {
	return map[string]any{
		"Status":   SignalFailure,
		"UniqueId": uniqueID,
		"Data":     nil,
		"Reason":   reason,
	}
}

func createHandle(t *testing.T, cloud *Cloud) string {
	t.Helper()
	h := NewWaitHandle(cloud)
	return createActive(t, h, newHandlerContext(t), simResource(TypeWaitHandle, "gate", nil))
}

func TestWaitCondition_Schema(t *testing.T) {
	h := NewWaitCondition(NewCloud())
	s := h.Schema()

	if !s["Handle"].Required || !s["Timeout"].Required {
		t.Errorf("Expected Handle and Timeout to be required")
	}
	if s["Count"].Default != 1 {
		t.Errorf("Expected a Count default of 1, got %v", s["Count"].Default)
	}
	if keys := h.UpdateAllowedKeys(); len(keys) != 0 {
		t.Errorf("Expected no update-allowed keys, got %v", keys)
	}
	if got := h.Attributes(); len(got) != 1 || got[0] != "Data" {
		t.Errorf("Expected Data as the only attribute, got %v", got)
	}
}

func TestWaitCondition_SignalsArrivingBetweenPolls(t *testing.T) {
	cloud := NewCloud()
	h := NewWaitCondition(cloud)
	hctx := newHandlerContext(t)
	handleID := createHandle(t, cloud)

	res := simResource(TypeWaitCondition, "ready", map[string]any{
		"Handle": handleID, "Timeout": 10, "Count": 2,
	})
	id, err := h.Create(hctx, res)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res.ProviderID = id

	poll, err := h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateInProgress {
		t.Fatalf("Expected in progress with no signals, got %s", poll.State)
	}

	if err := cloud.Signal(handleID, successSignal("node-1", "10.0.0.1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	poll, err = h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateInProgress {
		t.Fatalf("Expected in progress with one of two signals, got %s", poll.State)
	}

	// A repeated UniqueId overwrites, it must not count twice.
	if err := cloud.Signal(handleID, successSignal("node-1", "10.0.0.1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	poll, err = h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateInProgress {
		t.Fatalf("Expected a repeated UniqueId to count once, got %s", poll.State)
	}

	if err := cloud.Signal(handleID, successSignal("node-2", "10.0.0.2")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	poll, err = h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateComplete {
		t.Fatalf("Expected complete after the second signal, got %s (%s)", poll.State, poll.Reason)
	}

	data, err := h.GetAttribute(hctx, res, "Data")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	payloads, ok := data.(map[string]any)
	if !ok || payloads["node-1"] != "10.0.0.1" || payloads["node-2"] != "10.0.0.2" {
		t.Errorf("Expected the aggregated signal data, got %v", data)
	}
}

func TestWaitCondition_FailureSignal(t *testing.T) {
	cloud := NewCloud()
	h := NewWaitCondition(cloud)
	hctx := newHandlerContext(t)
	handleID := createHandle(t, cloud)

	id, err := h.Create(hctx, simResource(TypeWaitCondition, "ready", map[string]any{
		"Handle": handleID, "Timeout": 10, "Count": 3,
	}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := cloud.Signal(handleID, failureSignal("node-1", "disk full")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := cloud.Signal(handleID, failureSignal("node-2", "boot failed")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	poll, err := h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateFailed {
		t.Fatalf("Expected a failure signal to fail the wait, got %s", poll.State)
	}
	if poll.Reason != "disk full;boot failed" {
		t.Errorf("Expected the joined failure reasons, got %q", poll.Reason)
	}
}

func TestWaitCondition_Timeout(t *testing.T) {
	cloud := NewCloud()
	h := NewWaitCondition(cloud)
	hctx := newHandlerContext(t)
	handleID := createHandle(t, cloud)

	id, err := h.Create(hctx, simResource(TypeWaitCondition, "ready", map[string]any{
		"Handle": handleID, "Timeout": 2, "Count": 1,
	}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for i := 0; i < 2; i++ {
		poll, err := h.PollCreate(hctx, id)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if poll.State != engine.PollStateInProgress {
			t.Fatalf("Expected poll %d inside the budget to report in progress, got %s", i+1, poll.State)
		}
	}

	poll, err := h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateFailed || !strings.Contains(poll.Reason, "timed out") {
		t.Errorf("Expected a timeout failure once the budget ran out, got %s (%s)", poll.State, poll.Reason)
	}
}

func TestWaitCondition_UnknownHandle(t *testing.T) {
	cloud := NewCloud()
	h := NewWaitCondition(cloud)
	hctx := newHandlerContext(t)

	_, err := h.Create(hctx, simResource(TypeWaitCondition, "ready", map[string]any{
		"Handle": "wch-000404", "Timeout": 10,
	}))
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a not-found error for an unknown handle, got: %v", err)
	}

	instID := createActive(t, NewInstance(cloud), hctx, simResource(TypeInstance, "server", instanceProps()))
	_, err = h.Create(hctx, simResource(TypeWaitCondition, "ready", map[string]any{
		"Handle": instID, "Timeout": 10,
	}))
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a non-handle referent to be rejected, got: %v", err)
	}
}

func TestWaitCondition_Validate(t *testing.T) {
	h := NewWaitCondition(NewCloud())
	hctx := newHandlerContext(t)

	bad := map[string]any{"Handle": "wch-1", "Timeout": 0}
	err := h.Validate(hctx, simResource(TypeWaitCondition, "ready", bad))
	if err == nil || !strings.Contains(err.Error(), "at least 1") {
		t.Errorf("Expected a Timeout bound error, got: %v", err)
	}

	bad = map[string]any{"Handle": "wch-1", "Timeout": 10, "Count": -1}
	err = h.Validate(hctx, simResource(TypeWaitCondition, "ready", bad))
	if err == nil || !strings.Contains(err.Error(), "at least 1") {
		t.Errorf("Expected a Count bound error, got: %v", err)
	}

	marker := map[string]any{"Handle": map[string]any{"ref": "gate"}, "Timeout": 10}
	if err := h.Validate(hctx, simResource(TypeWaitCondition, "ready", marker)); err != nil {
		t.Errorf("Expected marker values to pass, got: %v", err)
	}
}

func TestCloud_Signal_FormatValidation(t *testing.T) {
	cloud := NewCloud()
	handleID := createHandle(t, cloud)

	err := cloud.Signal("wch-000404", successSignal("node-1", nil))
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a not-found error for an unknown handle, got: %v", err)
	}

	missingKey := map[string]any{"Status": SignalSuccess, "UniqueId": "node-1", "Data": nil}
	if err := cloud.Signal(handleID, missingKey); err == nil || !strings.Contains(err.Error(), "signal format invalid") {
		t.Errorf("Expected a missing Reason key to be rejected, got: %v", err)
	}

	badStatus := successSignal("node-1", nil)
	badStatus["Status"] = "DONE"
	if err := cloud.Signal(handleID, badStatus); err == nil || !strings.Contains(err.Error(), "signal format invalid") {
		t.Errorf("Expected an unknown status to be rejected, got: %v", err)
	}

	if err := cloud.Signal(handleID, successSignal("node-1", "ok")); err != nil {
		t.Errorf("Expected a well-formed signal to land, got: %v", err)
	}
}

func TestWaitCondition_Delete_ResetsHandle(t *testing.T) {
	cloud := NewCloud()
	h := NewWaitCondition(cloud)
	hctx := newHandlerContext(t)
	handleID := createHandle(t, cloud)

	res := simResource(TypeWaitCondition, "ready", map[string]any{
		"Handle": handleID, "Timeout": 10, "Count": 1,
	})
	id := createActiveWait(t, cloud, h, hctx, res, handleID)

	if err := h.Delete(hctx, id); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The handle's collected signals are gone: a fresh condition bound to
	// the same handle starts waiting from zero.
	next := simResource(TypeWaitCondition, "ready2", map[string]any{
		"Handle": handleID, "Timeout": 10, "Count": 1,
	})
	nextID, err := h.Create(hctx, next)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	poll, err := h.PollCreate(hctx, nextID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateInProgress {
		t.Errorf("Expected the fresh condition to wait from zero, got %s", poll.State)
	}
}

// createActiveWait provisions a condition, delivering one success signal
// before polling it to completion.
func createActiveWait(t *testing.T, cloud *Cloud, h *WaitCondition, hctx *engine.Context, res *engine.Resource, handleID string) string {
	t.Helper()
	id, err := h.Create(hctx, res)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res.ProviderID = id
	if err := cloud.Signal(handleID, successSignal("node-1", "ok")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	poll, err := h.PollCreate(hctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if poll.State != engine.PollStateComplete {
		t.Fatalf("Expected the signalled condition to complete, got %s (%s)", poll.State, poll.Reason)
	}
	return id
}

func gatedStackTemplate(timeout int) *engine.Template {
	return &engine.Template{
		Description: "instance gated on a readiness signal",
		Resources: map[string]*engine.ResourceDef{
			"gate": {Type: TypeWaitHandle},
			"ready": {Type: TypeWaitCondition, Properties: map[string]any{
				"Handle":  map[string]any{"ref": "gate"},
				"Timeout": timeout,
				"Count":   1,
			}},
		},
	}
}

func TestStackWaitCondition_EndToEnd(t *testing.T) {
	orch, cloud := newSimOrchestrator(t)
	ctx := context.Background()

	// Stand in for the external actor: once the handle exists, signal it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if handleID, ok := cloud.FindByName("gate"); ok {
				_ = cloud.Signal(handleID, successSignal("node-1", "booted"))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	stack, err := orch.CreateStack(ctx, engine.StackInput{
		Name:     "gated",
		Tenant:   "acme",
		Template: gatedStackTemplate(500),
	})
	<-done
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stack.Status != engine.StatusCreateComplete {
		t.Fatalf("Expected CREATE_COMPLETE, got %s (%s)", stack.Status, stack.StatusReason)
	}

	data, err := orch.ResourceAttribute(ctx, stack.ID, "ready", "Data")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	payloads, ok := data.(map[string]any)
	if !ok || payloads["node-1"] != "booted" {
		t.Errorf("Expected the aggregated signal data, got %v", data)
	}
}

func TestStackWaitCondition_TimeoutRollsBack(t *testing.T) {
	orch, cloud := newSimOrchestrator(t)
	ctx := context.Background()

	stack, err := orch.CreateStack(ctx, engine.StackInput{
		Name:     "gated",
		Tenant:   "acme",
		Template: gatedStackTemplate(2),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stack.Status != engine.StatusCreateFailed {
		t.Fatalf("Expected CREATE_FAILED, got %s", stack.Status)
	}
	if !strings.Contains(stack.StatusReason, "timed out") {
		t.Errorf("Expected the timeout in the reason, got %q", stack.StatusReason)
	}
	if got := stack.Resource("gate").Status; got != engine.StatusDeleteComplete {
		t.Errorf("Expected the handle to be rolled back, got %s", got)
	}
	ready := stack.Resource("ready")
	if ready.Status != engine.StatusCreateFailed {
		t.Errorf("Expected CREATE_FAILED for the condition, got %s", ready.Status)
	}
	if ready.ProviderID == "" {
		t.Errorf("Expected the condition's provider id to be preserved for cleanup")
	}
	// Only the failed condition's object remains; the handle is gone.
	if cloud.ObjectCount() != 1 {
		t.Errorf("Expected only the failed condition to remain, got %d objects", cloud.ObjectCount())
	}
}
