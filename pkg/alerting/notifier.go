/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package alerting fans DLQ threshold alerts out to operator-facing sinks.
// Each sink sits behind an in-process circuit breaker: a dead endpoint drops
// alerts instead of blocking the quarantine path.
package alerting

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/jordigilh/audittrail/pkg/dlq"
	"github.com/jordigilh/audittrail/pkg/shared/circuitbreaker"
)

// Notifier delivers one DLQ metrics snapshot to an external sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, m dlq.Metrics) error
}

// MetricsRecorder counts failed sink notifications. pkg/metrics implements
// it.
type MetricsRecorder interface {
	RecordAlertSinkFailure(sink string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAlertSinkFailure(string) {}

// Callback adapts a notifier into a DLQ alert callback guarded by the
// breaker manager. Sink errors are returned to the DLQ service, which logs
// and swallows them; a tripped breaker drops the alert outright.
func Callback(n Notifier, breakers *circuitbreaker.Manager, recorder MetricsRecorder, logger logr.Logger) dlq.AlertCallback {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	log := logger.WithName("alerting")
	return func(ctx context.Context, m dlq.Metrics) error {
		_, err := breakers.Execute(n.Name(), func() (interface{}, error) {
			return nil, n.Notify(ctx, m)
		})
		if err != nil {
			recorder.RecordAlertSinkFailure(n.Name())
			log.Error(err, "alert sink notification failed", "sink", n.Name())
			return err
		}
		return nil
	}
}
