// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import "fmt"

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName identifies the service in telemetry data.
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// ServiceVersion identifies the service version in telemetry data.
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// MetricsEnabled serves Prometheus metrics on /metrics.
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`

	// OTLPEndpoint is the OTLP/HTTP collector (e.g. "localhost:4318") receiving
	// traces and metrics. Empty disables export.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SamplingRate is the fraction of traces kept, from 0.0 to 1.0.
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

// DefaultConfig returns metrics on, tracing off.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "authgate",
		MetricsEnabled: true,
		SamplingRate:   0.1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0.0 and 1.0, got %v", c.SamplingRate)
	}
	return nil
}
