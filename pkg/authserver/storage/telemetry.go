// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stacklok/authgate/pkg/authserver/storage"

var (
	attrOperation = attribute.Key("authgate.store.operation")
	attrKind      = attribute.Key("authgate.record.kind")
	attrOutcome   = attribute.Key("authgate.store.outcome")
)

// Instrument decorates a RecordStore so that every call records a span,
// an operation counter and a latency histogram.
func Instrument(
	store RecordStore,
	meterProvider metric.MeterProvider,
	tracerProvider trace.TracerProvider,
) (RecordStore, error) {
	meter := meterProvider.Meter(instrumentationName)

	operations, err := meter.Int64Counter(
		"authgate_store_operations",
		metric.WithDescription("Total number of record store operations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"authgate_store_operation_duration",
		metric.WithDescription("Duration of record store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &instrumentedStore{
		next:       store,
		tracer:     tracerProvider.Tracer(instrumentationName),
		operations: operations,
		duration:   duration,
	}, nil
}

type instrumentedStore struct {
	next       RecordStore
	tracer     trace.Tracer
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

// record starts a span for op and returns a function that ends it.
func (s *instrumentedStore) record(ctx context.Context, op string, kind Kind) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attrOperation.String(op)}
	if kind != "" {
		attrs = append(attrs, attrKind.String(string(kind)))
	}
	ctx, span := s.tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	start := time.Now()

	return ctx, func(err error) {
		outcome := "ok"
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			outcome = "not_found"
		case errors.Is(err, ErrAlreadyConsumed):
			outcome = "already_consumed"
		default:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		all := append(slices.Clone(attrs), attrOutcome.String(outcome))
		s.operations.Add(ctx, 1, metric.WithAttributes(all...))
		s.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		span.End()
	}
}

func (s *instrumentedStore) Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	ctx, done := s.record(ctx, "upsert", kind)
	err := s.next.Upsert(ctx, kind, id, payload, ttl)
	done(err)
	return err
}

func (s *instrumentedStore) Find(ctx context.Context, kind Kind, id string) (*Record, error) {
	ctx, done := s.record(ctx, "find", kind)
	rec, err := s.next.Find(ctx, kind, id)
	done(err)
	return rec, err
}

func (s *instrumentedStore) FindByUserCode(ctx context.Context, kind Kind, userCode string) (*Record, error) {
	ctx, done := s.record(ctx, "find_by_user_code", kind)
	rec, err := s.next.FindByUserCode(ctx, kind, userCode)
	done(err)
	return rec, err
}

func (s *instrumentedStore) FindByUID(ctx context.Context, kind Kind, uid string) (*Record, error) {
	ctx, done := s.record(ctx, "find_by_uid", kind)
	rec, err := s.next.FindByUID(ctx, kind, uid)
	done(err)
	return rec, err
}

func (s *instrumentedStore) Destroy(ctx context.Context, kind Kind, id string) error {
	ctx, done := s.record(ctx, "destroy", kind)
	err := s.next.Destroy(ctx, kind, id)
	done(err)
	return err
}

func (s *instrumentedStore) RevokeByGrantID(ctx context.Context, grantID string) error {
	ctx, done := s.record(ctx, "revoke_by_grant_id", "")
	err := s.next.RevokeByGrantID(ctx, grantID)
	done(err)
	return err
}

func (s *instrumentedStore) Consume(ctx context.Context, kind Kind, id string) error {
	ctx, done := s.record(ctx, "consume", kind)
	err := s.next.Consume(ctx, kind, id)
	done(err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}

var _ RecordStore = (*instrumentedStore)(nil)
