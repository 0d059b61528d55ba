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

package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/jordigilh/audittrail/pkg/dlq"
)

// SlackNotifier posts DLQ metric summaries to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier builds a notifier for the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

// Name identifies the sink for breakers, metrics, and logs.
func (n *SlackNotifier) Name() string { return "slack" }

// Notify posts an attachment summarizing the queue state and top failure
// reasons.
func (n *SlackNotifier) Notify(ctx context.Context, m dlq.Metrics) error {
	fields := []slack.AttachmentField{
		{Title: "Total events", Value: fmt.Sprintf("%d", m.TotalEvents), Short: true},
		{Title: "Events today", Value: fmt.Sprintf("%d", m.EventsToday), Short: true},
	}
	if m.OldestEvent != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Oldest event",
			Value: m.OldestEvent.UTC().Format(time.RFC3339),
			Short: true,
		})
	}
	for i, reason := range m.TopFailureReasons {
		if i >= 3 {
			break
		}
		fields = append(fields, slack.AttachmentField{
			Title: fmt.Sprintf("Failure reason #%d", i+1),
			Value: fmt.Sprintf("%s (%d)", reason.Reason, reason.Count),
		})
	}

	msg := &slack.WebhookMessage{
		Text: ":rotating_light: Dead-letter queue alert threshold breached",
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack DLQ alert: %w", err)
	}
	return nil
}
