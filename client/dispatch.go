package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/correlation"
	"pkt.systems/fabric/internal/rest"
	"pkt.systems/fabric/internal/svcfields"
	"pkt.systems/pslog"
)

// Operation names a logical operation.
type Operation string

// Logical operations.
const (
	OpCreateVolume             Operation = "create_volume"
	OpDeleteVolume             Operation = "delete_volume"
	OpExtendVolume             Operation = "extend_volume"
	OpCloneVolume              Operation = "clone_volume"
	OpCreateVolumeFromSnapshot Operation = "create_volume_from_snapshot"
	OpCreateSnapshot           Operation = "create_snapshot"
	OpDeleteSnapshot           Operation = "delete_snapshot"
	OpAttach                   Operation = "attach"
	OpDetach                   Operation = "detach"
	OpManage                   Operation = "manage"
	OpManageGetSize            Operation = "manage_get_size"
	OpListManageable           Operation = "list_manageable"
	OpUnmanage                 Operation = "unmanage"
	OpGetStats                 Operation = "get_stats"
	OpRetype                   Operation = "retype"
	OpUpdateMetadata           Operation = "update_metadata"
	OpGetMetadata              Operation = "get_metadata"
)

// Operations lists every logical operation.
func Operations() []Operation {
	return []Operation{
		OpCreateVolume, OpDeleteVolume, OpExtendVolume, OpCloneVolume,
		OpCreateVolumeFromSnapshot, OpCreateSnapshot, OpDeleteSnapshot,
		OpAttach, OpDetach, OpManage, OpManageGetSize, OpListManageable,
		OpUnmanage, OpGetStats, OpRetype, OpUpdateMetadata, OpGetMetadata,
	}
}

type opKey struct {
	op      Operation
	version api.Version
}

// implementation is a version-specific body of an operation. Values in the
// table are func(context.Context, *scope, A) (R, error) for the operation's
// argument and result types.
type implementation any

type dispatchTable map[opKey]implementation

type none struct{}

func register[A, R any](t dispatchTable, op Operation, fn func(context.Context, *scope, A) (R, error), versions ...api.Version) {
	for _, v := range versions {
		t[opKey{op: op, version: v}] = fn
	}
}

// buildDispatchTable lists which versions implement each operation.
// Operations missing at a version fall through to the next older one.
func buildDispatchTable() dispatchTable {
	t := make(dispatchTable)
	register(t, OpCreateVolume, createVolume, api.V2, api.V2_1, api.V2_2)
	register(t, OpDeleteVolume, deleteVolume, api.V2, api.V2_1)
	register(t, OpExtendVolume, extendVolume, api.V2, api.V2_1, api.V2_2)
	register(t, OpCloneVolume, cloneVolume, api.V2, api.V2_1, api.V2_2)
	register(t, OpCreateVolumeFromSnapshot, createVolumeFromSnapshot, api.V2, api.V2_1, api.V2_2)
	register(t, OpCreateSnapshot, createSnapshot, api.V2, api.V2_1)
	register(t, OpDeleteSnapshot, deleteSnapshot, api.V2, api.V2_1)
	register(t, OpAttach, attach, api.V2, api.V2_1)
	register(t, OpDetach, detach, api.V2, api.V2_1)
	register(t, OpManage, manage, api.V2, api.V2_1)
	register(t, OpManageGetSize, manageGetSize, api.V2, api.V2_1)
	register(t, OpListManageable, listManageable, api.V2, api.V2_1)
	register(t, OpUnmanage, unmanage, api.V2, api.V2_1)
	register(t, OpGetStats, getStats, api.V2, api.V2_1)
	register(t, OpRetype, retype, api.V2_2)
	register(t, OpUpdateMetadata, updateMetadata, api.V2_1)
	register(t, OpGetMetadata, getMetadata, api.V2_1)
	return t
}

// Supports reports the version that would serve op, without calling it.
func (c *Client) Supports(ctx context.Context, op Operation) (api.Version, error) {
	versions, err := c.negotiator.Negotiate(ctx)
	if err != nil {
		return api.Version{}, err
	}
	for _, v := range versions {
		if _, ok := c.table[opKey{op: op, version: v}]; ok {
			return v, nil
		}
	}
	return api.Version{}, unsupported(op, versions)
}

// Versions returns the negotiated versions, newest first.
func (c *Client) Versions(ctx context.Context) ([]api.Version, error) {
	ctx, _ = correlation.Ensure(ctx)
	return c.negotiator.Negotiate(ctx)
}

func unsupported(op Operation, versions []api.Version) error {
	return &api.Error{Kind: api.ErrUnsupportedOperation, Message: fmt.Sprintf("%s is not implemented for backend versions %v", op, versions)}
}

// invoke runs op on the newest negotiated version that implements it. A
// backend rejecting the wire version drops the cached version list and moves
// on to the next older implementation, unless the rejected attempt already
// changed backend state, in which case the rejection is returned.
func invoke[A, R any](ctx context.Context, c *Client, op Operation, arg A) (R, error) {
	var zero R
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cid := correlation.Ensure(ctx)
	ctx, span := c.tracer.Start(ctx, "fabric.client."+string(op))
	defer span.End()
	span.SetAttributes(attribute.String("fabric.correlation_id", cid))
	logger := svcfields.WithOperation(c.logger, string(op), cid)
	start := c.clock.Now()

	finish := func(v api.Version, err error) {
		elapsed := c.clock.Now().Sub(start)
		c.metrics.recordOperation(ctx, op, v, err)
		c.metrics.recordDuration(ctx, op, elapsed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, api.KindLabel(err))
			logger.Debug("client.op.error", "version", versionLabel(v), "elapsed", elapsed, "error", err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("client.op.success", "version", versionLabel(v), "elapsed", elapsed)
	}

	versions, err := c.negotiator.Negotiate(ctx)
	if err != nil {
		finish(api.Version{}, err)
		return zero, err
	}
	var lastRejected error
	for _, v := range versions {
		entry, ok := c.table[opKey{op: op, version: v}]
		if !ok {
			continue
		}
		fn, ok := entry.(func(context.Context, *scope, A) (R, error))
		if !ok {
			err := fmt.Errorf("fabric: %s registered with mismatched signature %T", op, entry)
			finish(v, err)
			return zero, err
		}
		span.SetAttributes(attribute.String("fabric.api_version", v.String()))
		sc := c.scope(v, logger)
		out, err := fn(ctx, sc, arg)
		if err != nil && rest.IsUnsupportedVersion(err) {
			c.negotiator.Invalidate()
			if !sc.changed.Load() {
				lastRejected = err
				logger.Warn("client.op.version_rejected", "version", v.String(), "error", err)
				continue
			}
			logger.Warn("client.op.version_rejected_after_change", "version", v.String(), "error", err)
		}
		finish(v, err)
		return out, err
	}
	err = unsupported(op, versions)
	if lastRejected != nil {
		err = fmt.Errorf("%w (last rejection: %v)", err, lastRejected)
	}
	finish(api.Version{}, err)
	return zero, err
}

func versionLabel(v api.Version) string {
	if v.IsZero() {
		return "none"
	}
	return v.String()
}

type clientMetrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

func newClientMetrics(logger pslog.Logger) *clientMetrics {
	meter := otel.Meter("pkt.systems/fabric/client")
	m := &clientMetrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"fabric.client.operations",
		metric.WithDescription("Logical operations dispatched to the backend"),
	)
	logMetricInitError(logger, "fabric.client.operations", err)

	m.duration, err = meter.Float64Histogram(
		"fabric.client.operation.duration",
		metric.WithDescription("Logical operation latency"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "fabric.client.operation.duration", err)
	return m
}

func (m *clientMetrics) recordOperation(ctx context.Context, op Operation, v api.Version, err error) {
	if m == nil || m.operations == nil {
		return
	}
	outcome := api.KindLabel(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = "canceled"
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("version", versionLabel(v)),
		attribute.String("outcome", outcome),
	))
}

func (m *clientMetrics) recordDuration(ctx context.Context, op Operation, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("operation", string(op))))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
