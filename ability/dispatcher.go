package ability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/quillcms/connect/host"
	"github.com/quillcms/connect/instrumentation"
	"github.com/quillcms/connect/security"
	"github.com/quillcms/connect/storage"
)

// Dispatcher routes ability invocations through the fixed pipeline:
// resolve, enabled check, input validation, permission predicate, handler,
// output validation. It performs no locking of its own; the registry is
// immutable and overrides are loaded per invocation.
type Dispatcher struct {
	registry *Registry
	settings storage.SettingsStore
	caps     host.Capabilities
	logger   *slog.Logger
	auditor  *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewDispatcher creates a dispatcher over the given registry. The settings
// store supplies enable/disable overrides; caps is the host capability port
// consulted by permission predicates.
func NewDispatcher(registry *Registry, settings storage.SettingsStore, caps host.Capabilities, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		settings: settings,
		caps:     caps,
		logger:   logger,
		tracer:   tracenoop.NewTracerProvider().Tracer("ability"),
	}
}

// SetAuditor enables security audit logging for refused dispatches.
func (d *Dispatcher) SetAuditor(aud *security.Auditor) {
	d.auditor = aud
}

// SetInstrumentation enables metrics and tracing for dispatches.
// Call before serving traffic.
func (d *Dispatcher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	d.instrumentation = inst
	d.tracer = inst.Tracer("ability")
}

// Enabled reports whether an ability is currently dispatchable, combining
// the persisted override with the read/write default. A stale override for
// an unregistered ability is inert because resolution happens first.
func (d *Dispatcher) Enabled(ctx context.Context, a *Ability) (bool, error) {
	overrides, err := d.settings.AbilityOverrides(ctx)
	if err != nil {
		return false, err
	}
	if enabled, ok := overrides[a.Name]; ok {
		return enabled, nil
	}
	return a.Kind == KindRead, nil
}

// List returns descriptors for every enabled ability, in name order.
// Disabled abilities are omitted entirely rather than marked.
func (d *Dispatcher) List(ctx context.Context) ([]Descriptor, error) {
	overrides, err := d.settings.AbilityOverrides(ctx)
	if err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, name := range d.registry.Names() {
		a, _ := d.registry.Get(name)
		enabled, ok := overrides[name]
		if !ok {
			enabled = a.Kind == KindRead
		}
		if !enabled {
			continue
		}
		out = append(out, Descriptor{
			Name:         a.Name,
			Description:  a.Description,
			InputSchema:  a.InputSchema,
			OutputSchema: a.OutputSchema,
		})
	}
	return out, nil
}

// Dispatch invokes the named ability for the caller. Every failure is a
// typed *Error; internal faults are logged and surfaced as generic
// execution failures without diagnostics.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, name string, args map[string]any) (any, *Error) {
	ctx, span := d.tracer.Start(ctx, "ability.dispatch",
		trace.WithAttributes(attribute.String("ability", name)))
	defer span.End()

	start := time.Now()
	result, dispErr := d.dispatch(ctx, caller, name, args)

	outcome := "success"
	if dispErr != nil {
		outcome = dispErr.Code
		span.SetStatus(codes.Error, dispErr.Code)
	}
	if d.instrumentation != nil {
		d.instrumentation.Metrics().RecordAbilityDispatch(ctx, name, outcome, float64(time.Since(start).Milliseconds()))
	}

	return result, dispErr
}

func (d *Dispatcher) dispatch(ctx context.Context, caller Caller, name string, args map[string]any) (any, *Error) {
	// 1. Resolve
	a, ok := d.registry.Get(name)
	if !ok {
		return nil, ErrNotFound(name)
	}

	// 2. Administrator override, checked before permissions
	enabled, err := d.Enabled(ctx, a)
	if err != nil {
		d.logger.Error("Failed to load ability overrides", "ability", name, "error", err)
		return nil, ErrExecutionFailed(name)
	}
	if !enabled {
		d.auditDenied(caller, name, "disabled")
		return nil, ErrDisabled(name)
	}

	// 3. Input contract
	if err := d.registry.ValidateInput(name, args); err != nil {
		return nil, ErrInvalidArguments(err.Error())
	}

	// 4. Permission, re-delegated to the host capability model
	if a.Permission == nil {
		d.logger.Warn("Ability has no permission predicate, denying", "ability", name)
		d.auditDenied(caller, name, "no_permission_predicate")
		return nil, ErrForbidden(name)
	}
	allowed, err := a.Permission(ctx, d.caps, caller.UserID, args)
	if err != nil {
		d.logger.Error("Permission check failed", "ability", name, "user_id", caller.UserID, "error", err)
		return nil, ErrExecutionFailed(name)
	}
	if !allowed {
		d.auditDenied(caller, name, "forbidden")
		return nil, ErrForbidden(name)
	}

	// 5. Execute, then hold the handler to its output contract
	result, err := a.Handler(ctx, caller, args)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		d.logger.Error("Ability handler failed", "ability", name, "error", err)
		return nil, ErrExecutionFailed(name)
	}

	if err := d.registry.ValidateOutput(name, result); err != nil {
		d.logger.Error("Ability output violates contract", "ability", name, "error", err)
		return nil, ErrExecutionFailed(name)
	}

	return result, nil
}

func (d *Dispatcher) auditDenied(caller Caller, name, reason string) {
	if d.auditor == nil {
		return
	}
	d.auditor.LogAbilityDenied(caller.UserID, caller.ClientID, name, reason)
}
