package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/pkg/identity"
	"github.com/stackpilot/stackpilot/pkg/schema"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

const interruptedReason = "operation interrupted"

// Options tunes orchestrator execution.
type Options struct {
	// MaxParallel bounds how many resource operations run concurrently
	// within one dependency wave.
	MaxParallel int

	// PollInterval is the cadence of handler status polls.
	PollInterval time.Duration

	// HTTPTimeout bounds template URL fetches.
	HTTPTimeout time.Duration

	// MaxTemplateBytes caps the size of fetched template documents.
	MaxTemplateBytes int64
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.MaxTemplateBytes <= 0 {
		o.MaxTemplateBytes = 512 * 1024
	}
	return o
}

// PolicyResource is the slice of a resource definition handed to the policy
// gate: raw declared properties, before marker resolution.
type PolicyResource struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// PolicyInput is the evaluation input for one resource of a submission.
type PolicyInput struct {
	StackName string         `json:"stack_name"`
	Tenant    string         `json:"tenant"`
	Resource  PolicyResource `json:"resource"`
}

// PolicyViolation is one policy rule broken by a submission. Any violation
// rejects the template before execution starts.
type PolicyViolation struct {
	// Policy names the violated rule.
	Policy string `json:"policy"`

	// Message explains the violation.
	Message string `json:"message"`
}

// PolicyGate evaluates resource definitions against organizational rules
// during template validation. Implementations must be safe for concurrent
// use.
type PolicyGate interface {
	Check(ctx context.Context, input PolicyInput) ([]PolicyViolation, error)
}

// activeOp is the per-stack operation latch entry.
type activeOp struct {
	action Action
	cancel context.CancelFunc
}

// Orchestrator owns every stack mutation: it validates submissions, walks
// the dependency graph in waves, drives resource lifecycles through handlers
// and is the only writer of stack and resource status.
type Orchestrator struct {
	store    stores.Store
	registry *Registry
	handlers HandlerSource
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	fetcher  *TemplateFetcher
	opts     Options
	policy   PolicyGate

	mu     sync.Mutex
	stacks map[string]*Stack
	active map[string]*activeOp
}

// New builds an orchestrator on the given store and handler registry. A nil
// telemetry falls back to a no-op instance.
func New(store stores.Store, registry *Registry, tel *telemetry.Telemetry, opts Options) *Orchestrator {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	opts = opts.withDefaults()
	return &Orchestrator{
		store:    store,
		registry: registry,
		handlers: &instrumentedSource{registry: registry},
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("orchestrator"),
		fetcher:  NewTemplateFetcher(opts.HTTPTimeout, opts.MaxTemplateBytes),
		opts:     opts,
		stacks:   make(map[string]*Stack),
		active:   make(map[string]*activeOp),
	}
}

// SetPolicyGate installs the policy gate consulted during validation.
func (o *Orchestrator) SetPolicyGate(gate PolicyGate) {
	o.policy = gate
}

// Load hydrates the live stack set from the store. Stacks and resources that
// were interrupted mid-operation are settled as failed so they can be
// updated or deleted; no operation is resumed automatically.
func (o *Orchestrator) Load(ctx context.Context) error {
	recs, err := o.store.ListStacks(ctx, "", false)
	if err != nil {
		return fmt.Errorf("failed to list stacks: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, rec := range recs {
		stack, err := stackFromRecord(rec)
		if err != nil {
			return err
		}

		resRecs, err := o.store.ListResources(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to list resources of stack %s: %w", rec.ID, err)
		}
		for _, rr := range resRecs {
			res, err := resourceFromRecord(rr)
			if err != nil {
				return err
			}
			if res.Status.IsInProgress() {
				res.Status = NewStatus(res.Status.Action(), PhaseFailed)
				res.StatusReason = interruptedReason
				res.UpdatedAt = time.Now().UTC()
				if err := o.store.UpdateResourceStatus(ctx, rec.ID, res.Name, string(res.Status), res.StatusReason); err != nil {
					return fmt.Errorf("failed to settle resource %s: %w", res.Name, err)
				}
			}
			stack.putResource(res)
		}

		if stack.Status.IsInProgress() {
			stack.Status = NewStatus(stack.Status.Action(), PhaseFailed)
			stack.StatusReason = interruptedReason
			stack.UpdatedAt = time.Now().UTC()
			if err := o.store.UpdateStackStatus(ctx, stack.ID, string(stack.Status), stack.StatusReason); err != nil {
				return fmt.Errorf("failed to settle stack %s: %w", stack.ID, err)
			}
			o.logger.WithStack(stack.ID).WithField("status", string(stack.Status)).Warn("Settled interrupted stack operation")
		}

		o.stacks[stack.ID] = stack
	}

	o.logger.WithField("stacks", len(recs)).Info("Loaded stacks from store")
	return nil
}

// begin acquires the per-stack operation latch. A second operation on the
// same stack is rejected with a ConflictError while the first is running.
func (o *Orchestrator) begin(ctx context.Context, stackID string, action Action) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, busy := o.active[stackID]; busy {
		return nil, nil, &ConflictError{StackID: stackID, Active: op.action}
	}
	opCtx, cancel := context.WithCancel(ctx)
	o.active[stackID] = &activeOp{action: action, cancel: cancel}
	return opCtx, cancel, nil
}

// finish releases the operation latch.
func (o *Orchestrator) finish(stackID string, cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	delete(o.active, stackID)
	o.mu.Unlock()
}

// AbortStack requests cooperative cancellation of the stack's running
// operation and returns false when none is active. In-flight handler calls
// observe the cancellation between polls; touched resources settle as failed
// with reason "operation aborted" and nothing is rolled back.
func (o *Orchestrator) AbortStack(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, ok := o.active[id]; ok {
		op.cancel()
		return true
	}
	return false
}

// lifecycleFor builds a lifecycle executor whose status writes persist to
// the store and publish events for the given stack.
func (o *Orchestrator) lifecycleFor(stack *Stack) *lifecycle {
	return newLifecycle(o.handlers, o.opts.PollInterval, o.resourceWriter(stack), o.providerWriter(stack))
}

// resourceWriter persists resource status transitions, appends the event log
// entry and publishes the status event. It runs on a background context:
// abort transitions are written after the operation context is canceled.
func (o *Orchestrator) resourceWriter(stack *Stack) statusWriter {
	return func(res *Resource, status Status, reason string) error {
		res.Status = status
		res.StatusReason = reason
		res.UpdatedAt = time.Now().UTC()

		ctx := context.Background()
		if err := o.saveResourceSnapshot(ctx, stack, res); err != nil {
			return err
		}
		if err := o.store.AppendEvent(ctx, &stores.EventRecord{
			StackID:   stack.ID,
			Resource:  res.Name,
			Status:    string(status),
			Reason:    reason,
			Timestamp: res.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("failed to append event for %s: %w", res.Name, err)
		}
		_ = o.tel.Events.PublishResourceStatus(stack.ID, res.Name, string(status), reason)
		return nil
	}
}

// providerWriter persists provider id changes the moment they happen so a
// crash between create and poll cannot orphan the provider-side object.
func (o *Orchestrator) providerWriter(stack *Stack) providerIDWriter {
	return func(res *Resource, providerID string) error {
		res.ProviderID = providerID
		res.UpdatedAt = time.Now().UTC()
		if providerID == "" {
			res.dropAttributes()
		}
		if err := o.store.UpdateResourceProviderID(context.Background(), stack.ID, res.Name, providerID); err != nil {
			return fmt.Errorf("failed to persist provider id of %s: %w", res.Name, err)
		}
		return nil
	}
}

// setStackStatus persists a stack status transition and appends the
// stack-level event log entry.
func (o *Orchestrator) setStackStatus(stack *Stack, status Status, reason string) error {
	stack.Status = status
	stack.StatusReason = reason
	stack.UpdatedAt = time.Now().UTC()

	ctx := context.Background()
	if err := o.store.UpdateStackStatus(ctx, stack.ID, string(status), reason); err != nil {
		return fmt.Errorf("failed to persist status of stack %s: %w", stack.ID, err)
	}
	if err := o.store.AppendEvent(ctx, &stores.EventRecord{
		StackID:   stack.ID,
		Status:    string(status),
		Reason:    reason,
		Timestamp: stack.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("failed to append event for stack %s: %w", stack.ID, err)
	}
	return nil
}

// CreateStack validates a submission, persists the new stack and brings its
// resources up in dependency order. Execution failures surface on the stack
// status, not in the error return, which is reserved for request-level
// rejections: bad input, validation failures, name conflicts, store errors.
func (o *Orchestrator) CreateStack(ctx context.Context, in StackInput) (*Stack, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := o.fetcher.resolveTemplate(ctx, in)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.GetStackByName(ctx, in.Tenant, in.Name); err == nil {
		return nil, fmt.Errorf("stack %s already exists in tenant %s", in.Name, in.Tenant)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("failed to check stack name: %w", err)
	}

	graph, err := o.validateStackTemplate(ctx, in.Tenant, in.Name, "", tmpl, in.Parameters)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stack := &Stack{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Tenant:      in.Tenant,
		Description: tmpl.Description,
		Parameters:  in.Parameters,
		Template:    tmpl,
		Status:      StatusCreateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, wave := range graph.Waves() {
		for _, name := range wave {
			def := tmpl.Resources[name]
			stack.putResource(&Resource{
				Name:       name,
				Type:       def.Type,
				Definition: def,
				Metadata:   def.Metadata,
				Status:     StatusPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}

	if err := o.saveStackSnapshot(ctx, stack); err != nil {
		return nil, err
	}
	for _, res := range stack.Resources() {
		if err := o.saveResourceSnapshot(ctx, stack, res); err != nil {
			return nil, err
		}
	}
	_ = o.store.AppendEvent(ctx, &stores.EventRecord{
		StackID:   stack.ID,
		Status:    string(StatusCreateInProgress),
		Timestamp: now,
	})

	opCtx, cancel, err := o.begin(ctx, stack.ID, ActionCreate)
	if err != nil {
		return nil, err
	}
	defer o.finish(stack.ID, cancel)

	o.mu.Lock()
	o.stacks[stack.ID] = stack
	o.mu.Unlock()

	opCtx = o.tel.WithContext(opCtx)
	op := telemetry.StartStackOperation(opCtx, stack.ID, stack.Name, string(ActionCreate))

	opErr := o.executeCreate(op.Ctx, stack, graph)
	op.End(string(stack.Status), opErr)
	return stack, nil
}

// executeCreate walks the waves forward, creating every resource. On the
// first failure the in-flight wave is canceled and everything created so far
// is rolled back, dependents first. A canceled operation context means the
// user aborted: the stack settles as failed without rollback.
func (o *Orchestrator) executeCreate(ctx context.Context, stack *Stack, graph *Graph) error {
	lc := o.lifecycleFor(stack)
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	var mu sync.Mutex
	var created []string

	runner := func(runCtx context.Context, res *Resource) error {
		op := telemetry.StartResourceOperation(runCtx, stack.ID, res.Name, res.Type, string(ActionCreate))
		hctx := NewContext(op.Ctx, stack.Identity(), stack.PhysicalName(res.Name), stack.Parameters, op.Logger)
		def := res.Definition
		err := lc.create(hctx, res, func() (map[string]any, error) {
			return o.materialize(hctx, lc, stack, def)
		})
		op.End(err)
		if err == nil {
			mu.Lock()
			created = append(created, res.Name)
			mu.Unlock()
		}
		return err
	}

	failures := o.runWaves(execCtx, execCancel, stack, graph.Waves(), runner)

	if len(failures) == 0 {
		return o.setStackStatus(stack, StatusCreateComplete, "")
	}

	if ctx.Err() != nil {
		if err := o.setStackStatus(stack, StatusCreateFailed, abortReason); err != nil {
			return err
		}
		return fmt.Errorf("create of stack %s aborted: %w", stack.ID, ctx.Err())
	}

	reason := failureReason(failures)
	undos := make([]undoStep, len(created))
	for i, name := range created {
		undos[i] = undoStep{kind: undoCreated, name: name}
	}
	if rbErr := o.rollback(stack, lc, undos, reason); rbErr != nil {
		reason = reason + "; " + rbErr.Error()
	}
	if err := o.setStackStatus(stack, StatusCreateFailed, reason); err != nil {
		return err
	}
	return fmt.Errorf("create of stack %s failed: %s", stack.ID, reason)
}

// UpdateStack applies a new template to an existing stack: unchanged
// resources are left alone, changed ones are updated in place or replaced,
// added ones are created and removed ones are deleted last. On failure every
// change applied by this operation is rolled back. Like CreateStack, the
// error return covers only request-level rejections.
func (o *Orchestrator) UpdateStack(ctx context.Context, id string, in StackInput) (*Stack, error) {
	stack, err := o.GetStack(id)
	if err != nil {
		return nil, err
	}
	if in.Name != "" && in.Name != stack.Name {
		return nil, fmt.Errorf("stack name cannot change on update")
	}
	if in.Tenant != "" && in.Tenant != stack.Tenant {
		return nil, fmt.Errorf("stack tenant cannot change on update")
	}

	tmpl, err := o.fetcher.resolveTemplate(ctx, in)
	if err != nil {
		return nil, err
	}
	graph, err := o.validateStackTemplate(ctx, stack.Tenant, stack.Name, stack.ID, tmpl, in.Parameters)
	if err != nil {
		return nil, err
	}

	opCtx, cancel, err := o.begin(ctx, id, ActionUpdate)
	if err != nil {
		return nil, err
	}
	defer o.finish(id, cancel)

	prevParams := stack.Parameters
	stack.Parameters = in.Parameters

	if err := o.setStackStatus(stack, StatusUpdateInProgress, ""); err != nil {
		stack.Parameters = prevParams
		return nil, err
	}

	opCtx = o.tel.WithContext(opCtx)
	op := telemetry.StartStackOperation(opCtx, stack.ID, stack.Name, string(ActionUpdate))

	opErr := o.executeUpdate(op.Ctx, stack, tmpl, prevParams, graph)
	op.End(string(stack.Status), opErr)
	return stack, nil
}

// executeUpdate runs the forward pass over the new template's waves, then
// deletes resources the new template no longer names, dependents first. The
// new template and parameters are committed only when everything landed.
func (o *Orchestrator) executeUpdate(ctx context.Context, stack *Stack, tmpl *Template, prevParams map[string]any, graph *Graph) error {
	lc := o.lifecycleFor(stack)
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	// Removal order comes from the pre-update resource set.
	oldGraph, err := o.currentGraph(stack)
	if err != nil {
		if serr := o.setStackStatus(stack, StatusUpdateFailed, err.Error()); serr != nil {
			return serr
		}
		return err
	}

	// Fresh records for resources the new template adds.
	now := time.Now().UTC()
	var added []string
	for _, name := range graph.Names() {
		if stack.Resource(name) != nil {
			continue
		}
		def := tmpl.Resources[name]
		res := &Resource{
			Name:       name,
			Type:       def.Type,
			Definition: def,
			Metadata:   def.Metadata,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		stack.putResource(res)
		if err := o.saveResourceSnapshot(context.Background(), stack, res); err != nil {
			if serr := o.setStackStatus(stack, StatusUpdateFailed, err.Error()); serr != nil {
				return serr
			}
			return err
		}
		added = append(added, name)
	}

	var mu sync.Mutex
	var undos []undoStep
	record := func(step undoStep) {
		mu.Lock()
		undos = append(undos, step)
		mu.Unlock()
	}

	runner := func(runCtx context.Context, res *Resource) error {
		def := tmpl.Resources[res.Name]
		action := ActionUpdate
		if res.Status == StatusPending {
			action = ActionCreate
		}
		op := telemetry.StartResourceOperation(runCtx, stack.ID, res.Name, def.Type, string(action))
		hctx := NewContext(op.Ctx, stack.Identity(), stack.PhysicalName(res.Name), stack.Parameters, op.Logger)
		err := o.applyDesired(hctx, lc, stack, res, def, record)
		op.End(err)
		return err
	}

	failures := o.runWaves(execCtx, execCancel, stack, graph.Waves(), runner)

	if len(failures) == 0 {
	removal:
		for _, wave := range oldGraph.ReverseWaves() {
			for _, name := range wave {
				if _, wanted := tmpl.Resources[name]; wanted {
					continue
				}
				res := stack.Resource(name)
				if res == nil {
					continue
				}
				if execCtx.Err() != nil {
					failures[name] = fmt.Errorf("delete %s: %w", name, execCtx.Err())
					break removal
				}
				op := telemetry.StartResourceOperation(execCtx, stack.ID, name, res.Type, string(ActionDelete))
				hctx := NewContext(op.Ctx, stack.Identity(), stack.PhysicalName(name), stack.Parameters, op.Logger)
				priorDef, priorProps := res.Definition, res.Properties
				priorHealthy := res.Status.IsComplete() && !res.Status.IsDeleted()
				err := lc.delete(hctx, res)
				op.End(err)
				if err != nil {
					failures[name] = err
					break removal
				}
				record(undoStep{kind: undoReplaced, name: name, priorDef: priorDef, priorProps: priorProps, priorFailed: !priorHealthy})
				if err := o.store.DeleteResource(context.Background(), stack.ID, name); err != nil {
					failures[name] = fmt.Errorf("failed to remove resource %s: %w", name, err)
					break removal
				}
				stack.removeResource(name)
			}
		}
	}

	if len(failures) == 0 {
		stack.Template = tmpl
		stack.Description = tmpl.Description
		if err := o.saveStackSnapshot(context.Background(), stack); err != nil {
			if serr := o.setStackStatus(stack, StatusUpdateFailed, err.Error()); serr != nil {
				return serr
			}
			return err
		}
		return o.setStackStatus(stack, StatusUpdateComplete, "")
	}

	if ctx.Err() != nil {
		stack.Parameters = prevParams
		if err := o.setStackStatus(stack, StatusUpdateFailed, abortReason); err != nil {
			return err
		}
		return fmt.Errorf("update of stack %s aborted: %w", stack.ID, ctx.Err())
	}

	reason := failureReason(failures)
	if rbErr := o.rollback(stack, lc, undos, reason); rbErr != nil {
		reason = reason + "; " + rbErr.Error()
	}

	// Added resources that never got created leave nothing behind.
	for _, name := range added {
		res := stack.Resource(name)
		if res == nil || res.Status != StatusPending {
			continue
		}
		if err := o.store.DeleteResource(context.Background(), stack.ID, name); err != nil {
			reason = reason + "; " + err.Error()
			continue
		}
		stack.removeResource(name)
	}

	stack.Parameters = prevParams
	if err := o.saveStackSnapshot(context.Background(), stack); err != nil {
		reason = reason + "; " + err.Error()
	}
	if err := o.setStackStatus(stack, StatusUpdateFailed, reason); err != nil {
		return err
	}
	return fmt.Errorf("update of stack %s failed: %s", stack.ID, reason)
}

// applyDesired drives one resource toward its definition in the new
// template: create it if it never existed, replace it if its last operation
// failed or the diff demands it, update it in place when the handler allows,
// and leave it untouched when nothing changed.
func (o *Orchestrator) applyDesired(hctx *Context, lc *lifecycle, stack *Stack, res *Resource, def *ResourceDef, record func(undoStep)) error {
	if res.Status == StatusPending {
		res.Type = def.Type
		res.Definition = def
		res.Metadata = def.Metadata
		err := lc.create(hctx, res, func() (map[string]any, error) {
			return o.materialize(hctx, lc, stack, def)
		})
		if err == nil {
			record(undoStep{kind: undoCreated, name: res.Name, remove: true})
		}
		return err
	}

	// Failed and logically deleted resources cannot be updated; they are
	// replaced outright.
	if !res.Status.IsComplete() || res.Status.IsDeleted() {
		return o.replaceResource(hctx, lc, stack, res, def, record)
	}

	if def.Type != res.Type {
		return o.replaceResource(hctx, lc, stack, res, def, record)
	}

	newProps, err := o.materialize(hctx, lc, stack, def)
	if err != nil {
		werr := fmt.Errorf("failed to resolve properties for %s: %w", res.Name, err)
		if serr := o.resourceWriter(stack)(res, StatusUpdateFailed, werr.Error()); serr != nil {
			return serr
		}
		return werr
	}
	h, err := o.handlers.Get(def.Type)
	if err != nil {
		return err
	}

	decision, diff := ResolveUpdate(res.Properties, newProps, h.UpdateAllowedKeys(), h.Schema())
	switch decision {
	case UpdateNoOp:
		priorDef := res.Definition
		res.Definition = def
		res.Metadata = def.Metadata
		if err := o.saveResourceSnapshot(context.Background(), stack, res); err != nil {
			return err
		}
		record(undoStep{kind: undoUpdated, name: res.Name, priorDef: priorDef, priorProps: res.Properties})
		return nil

	case UpdateInPlace:
		priorDef, priorProps := res.Definition, res.Properties
		if err := lc.update(hctx, res, UpdateInPlace, newProps, diff); err != nil {
			return err
		}
		res.Definition = def
		res.Metadata = def.Metadata
		if err := o.saveResourceSnapshot(context.Background(), stack, res); err != nil {
			return err
		}
		record(undoStep{kind: undoUpdated, name: res.Name, priorDef: priorDef, priorProps: priorProps})
		return nil

	default:
		return o.replaceResource(hctx, lc, stack, res, def, record)
	}
}

// replaceResource tears down the current provider object and creates a fresh
// one under the same logical name. The old record is removed so the new
// instance starts from a clean PENDING row; its prior shape is captured for
// rollback before anything is destroyed.
func (o *Orchestrator) replaceResource(hctx *Context, lc *lifecycle, stack *Stack, res *Resource, def *ResourceDef, record func(undoStep)) error {
	priorDef, priorProps := res.Definition, res.Properties
	priorHealthy := res.Status.IsComplete() && !res.Status.IsDeleted()

	if err := lc.delete(hctx, res); err != nil {
		return err
	}
	record(undoStep{kind: undoReplaced, name: res.Name, priorDef: priorDef, priorProps: priorProps, priorFailed: !priorHealthy})

	if err := o.store.DeleteResource(context.Background(), stack.ID, res.Name); err != nil {
		return fmt.Errorf("failed to remove resource %s: %w", res.Name, err)
	}
	stack.removeResource(res.Name)

	now := time.Now().UTC()
	fresh := &Resource{
		Name:       res.Name,
		Type:       def.Type,
		Definition: def,
		Metadata:   def.Metadata,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stack.putResource(fresh)
	if err := o.saveResourceSnapshot(context.Background(), stack, fresh); err != nil {
		return err
	}
	return lc.create(hctx, fresh, func() (map[string]any, error) {
		return o.materialize(hctx, lc, stack, def)
	})
}

// DeleteStack tears a stack down, dependents before their dependencies.
// Deleting an already deleted stack succeeds without side effects. Failed
// resource deletions leave the stack DELETE_FAILED so delete can be retried.
func (o *Orchestrator) DeleteStack(ctx context.Context, id string) error {
	o.mu.Lock()
	stack, ok := o.stacks[id]
	o.mu.Unlock()
	if !ok {
		rec, err := o.store.GetStack(ctx, id)
		if err == nil && rec.DeletedAt != nil {
			return nil
		}
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			return fmt.Errorf("failed to look up stack %s: %w", id, err)
		}
		return &NotFoundError{Kind: "stack", ID: id}
	}

	opCtx, cancel, err := o.begin(ctx, id, ActionDelete)
	if err != nil {
		return err
	}
	defer o.finish(id, cancel)

	if err := o.setStackStatus(stack, StatusDeleteInProgress, ""); err != nil {
		return err
	}

	opCtx = o.tel.WithContext(opCtx)
	op := telemetry.StartStackOperation(opCtx, stack.ID, stack.Name, string(ActionDelete))

	opErr := o.executeDelete(op.Ctx, stack)
	op.End(string(stack.Status), opErr)
	return opErr
}

// executeDelete walks the current resource set in reverse waves. Resource
// rows stay in the store as a DELETE_COMPLETE audit trail; the stack row is
// marked deleted and the stack leaves the live set.
func (o *Orchestrator) executeDelete(ctx context.Context, stack *Stack) error {
	lc := o.lifecycleFor(stack)
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	graph, err := o.currentGraph(stack)
	if err != nil {
		if serr := o.setStackStatus(stack, StatusDeleteFailed, err.Error()); serr != nil {
			return serr
		}
		return err
	}

	runner := func(runCtx context.Context, res *Resource) error {
		op := telemetry.StartResourceOperation(runCtx, stack.ID, res.Name, res.Type, string(ActionDelete))
		hctx := NewContext(op.Ctx, stack.Identity(), stack.PhysicalName(res.Name), stack.Parameters, op.Logger)
		err := lc.delete(hctx, res)
		op.End(err)
		return err
	}

	failures := o.runWaves(execCtx, execCancel, stack, graph.ReverseWaves(), runner)

	if len(failures) > 0 {
		if ctx.Err() != nil {
			if err := o.setStackStatus(stack, StatusDeleteFailed, abortReason); err != nil {
				return err
			}
			return fmt.Errorf("delete of stack %s aborted: %w", stack.ID, ctx.Err())
		}
		reason := failureReason(failures)
		if err := o.setStackStatus(stack, StatusDeleteFailed, reason); err != nil {
			return err
		}
		return fmt.Errorf("delete of stack %s failed: %s", stack.ID, reason)
	}

	now := time.Now().UTC()
	stack.DeletedAt = &now
	if err := o.setStackStatus(stack, StatusDeleteComplete, ""); err != nil {
		return err
	}
	if err := o.store.MarkStackDeleted(context.Background(), stack.ID); err != nil {
		return fmt.Errorf("failed to mark stack %s deleted: %w", stack.ID, err)
	}

	o.mu.Lock()
	delete(o.stacks, stack.ID)
	o.mu.Unlock()
	return nil
}

// ValidateTemplate checks a submission without executing anything: input
// shape, template structure, dependency graph, property schemas, handler
// checks and policy. All failures are collected into one ValidationError.
func (o *Orchestrator) ValidateTemplate(ctx context.Context, in StackInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	tmpl, err := o.fetcher.resolveTemplate(ctx, in)
	if err != nil {
		return err
	}
	_, err = o.validateStackTemplate(ctx, in.Tenant, in.Name, "", tmpl, in.Parameters)
	return err
}

// validateStackTemplate runs the full pre-execution gauntlet over a template
// and returns its dependency graph.
func (o *Orchestrator) validateStackTemplate(ctx context.Context, tenant, stackName, stackID string, tmpl *Template, params map[string]any) (*Graph, error) {
	var errs []error

	graph, err := BuildGraph(tmpl)
	if err != nil {
		errs = append(errs, err)
	}

	ctx = o.tel.WithContext(ctx)
	lc := newLifecycle(o.handlers, o.opts.PollInterval, nil, nil)
	ident := identity.Identity{Tenant: tenant, StackName: stackName, StackID: stackID}

	names := make([]string, 0, len(tmpl.Resources))
	for name := range tmpl.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := tmpl.Resources[name]
		res := &Resource{Name: name, Type: def.Type, Definition: def, Status: StatusPending}
		hctx := NewContext(ctx, ident, "", params, o.logger.WithResource(name))
		if err := lc.validate(hctx, res); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, o.checkPolicy(ctx, tenant, stackName, stackID, name, def)...)
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errs: errs}
	}
	return graph, nil
}

// checkPolicy evaluates the policy gate for one resource definition.
func (o *Orchestrator) checkPolicy(ctx context.Context, tenant, stackName, stackID, name string, def *ResourceDef) []error {
	if o.policy == nil {
		return nil
	}
	violations, err := o.policy.Check(ctx, PolicyInput{
		StackName: stackName,
		Tenant:    tenant,
		Resource:  PolicyResource{Name: name, Type: def.Type, Properties: def.Properties},
	})
	if err != nil {
		return []error{fmt.Errorf("policy evaluation failed for %s: %w", name, err)}
	}
	errs := make([]error, 0, len(violations))
	for _, v := range violations {
		o.tel.Metrics.RecordPolicyViolation(v.Policy)
		_ = o.tel.Events.PublishPolicyViolation(stackID, name, v.Policy, v.Message)
		errs = append(errs, fmt.Errorf("resource %s violates policy %s: %s", name, v.Policy, v.Message))
	}
	return errs
}

// GetStack returns the live stack with the given ID.
func (o *Orchestrator) GetStack(id string) (*Stack, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stack, ok := o.stacks[id]
	if !ok {
		return nil, &NotFoundError{Kind: "stack", ID: id}
	}
	return stack, nil
}

// FindStack resolves a live stack by encoded identity, raw ID or
// tenant-scoped name, in that order.
func (o *Orchestrator) FindStack(tenant, ref string) (*Stack, error) {
	if id, err := identity.Decode(ref); err == nil {
		return o.GetStack(id.StackID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if stack, ok := o.stacks[ref]; ok {
		if tenant == "" || stack.Tenant == tenant {
			return stack, nil
		}
	}
	for _, stack := range o.stacks {
		if stack.Name == ref && (tenant == "" || stack.Tenant == tenant) {
			return stack, nil
		}
	}
	return nil, &NotFoundError{Kind: "stack", ID: ref}
}

// ListStacks returns the live stacks of a tenant, newest first. An empty
// tenant lists all tenants.
func (o *Orchestrator) ListStacks(tenant string) []*Stack {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := []*Stack{}
	for _, stack := range o.stacks {
		if tenant != "" && stack.Tenant != tenant {
			continue
		}
		out = append(out, stack)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetResource returns a resource of a live stack.
func (o *Orchestrator) GetResource(stackID, name string) (*Resource, error) {
	stack, err := o.GetStack(stackID)
	if err != nil {
		return nil, err
	}
	res := stack.Resource(name)
	if res == nil {
		return nil, &NotFoundError{Kind: "resource", ID: name}
	}
	return res, nil
}

// ResourceAttribute resolves a derived attribute of a resource, from cache
// when it was already fetched since the provider object last changed.
func (o *Orchestrator) ResourceAttribute(ctx context.Context, stackID, name, attribute string) (any, error) {
	stack, err := o.GetStack(stackID)
	if err != nil {
		return nil, err
	}
	res := stack.Resource(name)
	if res == nil {
		return nil, &NotFoundError{Kind: "resource", ID: name}
	}
	if !res.Status.IsComplete() || res.Status.IsDeleted() {
		return nil, fmt.Errorf("resource %s has not completed", name)
	}

	lc := o.lifecycleFor(stack)
	hctx := NewContext(o.tel.WithContext(ctx), stack.Identity(), stack.PhysicalName(name), stack.Parameters,
		o.logger.WithStack(stack.ID).WithResource(name))
	return lc.getAttribute(hctx, res, attribute)
}

// ResourceTypes lists the registered resource type names.
func (o *Orchestrator) ResourceTypes() []string {
	return o.registry.Types()
}

// HandlerSchema returns the property schema of a registered resource type.
func (o *Orchestrator) HandlerSchema(typeName string) (schema.Schema, error) {
	h, err := o.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	return h.Schema(), nil
}

// Events returns a page of a stack's event log in append order. It works
// for deleted stacks too, straight from the store.
func (o *Orchestrator) Events(ctx context.Context, stackID string, limit, offset int) ([]*stores.EventRecord, error) {
	if _, err := o.store.GetStack(ctx, stackID); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, &NotFoundError{Kind: "stack", ID: stackID}
		}
		return nil, err
	}
	return o.store.ListEvents(ctx, stackID, limit, offset)
}

// materialize resolves a definition's property markers against the stack and
// validates the result against the handler's schema, applying defaults.
func (o *Orchestrator) materialize(hctx *Context, lc *lifecycle, stack *Stack, def *ResourceDef) (map[string]any, error) {
	rc := &resolveContext{
		parameters: stack.Parameters,
		resource: func(name string) (*Resource, error) {
			res := stack.Resource(name)
			if res == nil {
				return nil, &NotFoundError{Kind: "resource", ID: name}
			}
			if !res.Status.IsComplete() || res.Status.IsDeleted() {
				return nil, fmt.Errorf("dependency %s has not completed", name)
			}
			return res, nil
		},
		attribute: func(res *Resource, attr string) (any, error) {
			return lc.getAttribute(hctx, res, attr)
		},
	}
	resolved, err := resolveProperties(def.Properties, rc)
	if err != nil {
		return nil, err
	}
	h, err := o.handlers.Get(def.Type)
	if err != nil {
		return nil, err
	}
	return schema.Validate(resolved, h.Schema())
}

// currentGraph orders the resources as they stand, covering leftovers that
// are no longer in the stack's template.
func (o *Orchestrator) currentGraph(stack *Stack) (*Graph, error) {
	t := &Template{Resources: make(map[string]*ResourceDef)}
	for _, res := range stack.Resources() {
		def := res.Definition
		if def == nil {
			def = &ResourceDef{Type: res.Type}
		}
		t.Resources[res.Name] = def
	}
	return buildLenientGraph(t)
}

// undoKind enumerates the reversible change kinds an operation records.
type undoKind int

const (
	// undoCreated reverses a create by deleting the resource.
	undoCreated undoKind = iota

	// undoUpdated reverses an in-place update by applying the prior
	// properties back.
	undoUpdated

	// undoReplaced reverses a replacement or removal by deleting whatever
	// holds the name now and recreating the prior object.
	undoReplaced
)

// undoStep records one successfully applied change so a failed operation can
// unwind in reverse order.
type undoStep struct {
	kind        undoKind
	name        string
	priorDef    *ResourceDef
	priorProps  map[string]any
	priorFailed bool
	remove      bool
}

// rollback unwinds the recorded steps, most recent first. Individual
// failures are collected and surfaced as one RollbackError; rollback is
// never retried.
func (o *Orchestrator) rollback(stack *Stack, lc *lifecycle, undos []undoStep, cause string) error {
	if len(undos) == 0 {
		return nil
	}

	o.tel.Metrics.RecordRollback()
	_ = o.tel.Events.PublishRollbackStarted(stack.ID, cause)
	o.logger.WithStack(stack.ID).WithFields(map[string]interface{}{"cause": cause, "steps": len(undos)}).Warn("Rolling back")

	ctx := o.tel.WithContext(context.Background())
	var causes []error
	for i := len(undos) - 1; i >= 0; i-- {
		if err := o.applyUndo(ctx, lc, stack, undos[i]); err != nil {
			causes = append(causes, err)
		}
	}
	if len(causes) > 0 {
		return &RollbackError{Causes: causes}
	}
	return nil
}

// applyUndo reverses one recorded step.
func (o *Orchestrator) applyUndo(ctx context.Context, lc *lifecycle, stack *Stack, step undoStep) error {
	res := stack.Resource(step.name)
	hctx := NewContext(ctx, stack.Identity(), stack.PhysicalName(step.name), stack.Parameters,
		o.logger.WithStack(stack.ID).WithResource(step.name))

	switch step.kind {
	case undoCreated:
		if res == nil {
			return nil
		}
		if err := lc.delete(hctx, res); err != nil {
			return err
		}
		if step.remove {
			if err := o.store.DeleteResource(ctx, stack.ID, step.name); err != nil {
				return fmt.Errorf("failed to remove resource %s: %w", step.name, err)
			}
			stack.removeResource(step.name)
		}
		return nil

	case undoUpdated:
		if res == nil {
			return nil
		}
		diff := ComputeDiff(res.Properties, step.priorProps)
		if !diff.Empty() {
			if err := lc.update(hctx, res, UpdateInPlace, step.priorProps, diff); err != nil {
				return err
			}
		}
		res.Definition = step.priorDef
		res.Metadata = step.priorDef.Metadata
		return o.saveResourceSnapshot(ctx, stack, res)

	case undoReplaced:
		if res != nil {
			if err := lc.delete(hctx, res); err != nil {
				return err
			}
			if err := o.store.DeleteResource(ctx, stack.ID, step.name); err != nil {
				return fmt.Errorf("failed to remove resource %s: %w", step.name, err)
			}
			stack.removeResource(step.name)
		}

		now := time.Now().UTC()
		restored := &Resource{
			Name:       step.name,
			Type:       step.priorDef.Type,
			Definition: step.priorDef,
			Metadata:   step.priorDef.Metadata,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		stack.putResource(restored)
		if err := o.saveResourceSnapshot(ctx, stack, restored); err != nil {
			return err
		}
		if step.priorFailed {
			// The prior object had already failed or was gone; there
			// is nothing to recreate.
			return nil
		}
		return lc.create(hctx, restored, func() (map[string]any, error) {
			return step.priorProps, nil
		})
	}
	return nil
}

// runWaves executes one operation per resource, wave by wave, with at most
// MaxParallel operations in flight. The first failure stops further starts
// and cancels the in-flight wave; resources never started keep their current
// status.
func (o *Orchestrator) runWaves(ctx context.Context, cancel context.CancelFunc, stack *Stack, waves [][]string, run func(ctx context.Context, res *Resource) error) map[string]error {
	failures := make(map[string]error)
	var mu sync.Mutex
	var stopped atomic.Bool

	for _, wave := range waves {
		resources := make([]*Resource, 0, len(wave))
		for _, name := range wave {
			if res := stack.Resource(name); res != nil {
				resources = append(resources, res)
			}
		}
		if len(resources) == 0 {
			continue
		}

		queue := make(chan *Resource, len(resources))
		for _, res := range resources {
			queue <- res
		}
		close(queue)

		workers := o.opts.MaxParallel
		if len(resources) < workers {
			workers = len(resources)
		}

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for res := range queue {
					if stopped.Load() {
						continue
					}
					if err := run(ctx, res); err != nil {
						mu.Lock()
						failures[res.Name] = err
						mu.Unlock()
						stopped.Store(true)
						cancel()
					}
				}
			}()
		}
		wg.Wait()

		if stopped.Load() {
			break
		}
	}
	return failures
}

// failureReason flattens per-resource failures into one stable reason string.
func failureReason(failures map[string]error) string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = failures[name].Error()
	}
	return strings.Join(parts, "; ")
}
