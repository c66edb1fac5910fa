// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"fmt"
	"os"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxSink writes usage records as points in an InfluxDB bucket.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink creates a sink from the INFLUXDB_* environment. Returns
// nil (not an error) when INFLUXDB_TOKEN is unset, so callers can fall
// back to NopSink with a log line.
func NewInfluxSink(ctx context.Context) (*InfluxSink, error) {
	token := os.Getenv("INFLUXDB_TOKEN")
	if token == "" {
		return nil, nil
	}

	url := os.Getenv("INFLUXDB_URL")
	if url == "" {
		url = "http://localhost:8086"
	}
	org := os.Getenv("INFLUXDB_ORG")
	if org == "" {
		org = "aigateway"
	}
	bucket := os.Getenv("INFLUXDB_BUCKET")
	if bucket == "" {
		bucket = "llm-usage"
	}

	client := influxdb2.NewClient(url, token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health check: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("influxdb unhealthy: %s", msg)
	}

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}, nil
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, record Record) error {
	point := influxdb2.NewPoint(
		"llm_usage",
		map[string]string{
			"tenant_id": record.TenantID,
			"backend":   record.Backend,
			"model":     record.Model,
		},
		map[string]interface{}{
			"input_tokens":  record.Tokens.InputTokens,
			"output_tokens": record.Tokens.OutputTokens,
			"cost":          record.Cost,
		},
		record.Timestamp,
	)
	return s.writeAPI.WritePoint(ctx, point)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
