// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry sets up OpenTelemetry metrics and tracing for authgate.
// Metrics are exported in Prometheus format on /metrics; traces go to an
// OTLP/HTTP collector when an endpoint is configured.
package telemetry
