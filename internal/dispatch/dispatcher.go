// Package dispatch renders a terminal task's result and routes it to the
// place the task came from.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fernwerk/famulus/internal/channel"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/history"
	"github.com/fernwerk/famulus/internal/webhook"
)

// maxBodyLen caps the result body embedded in a delivered message.
const maxBodyLen = 2000

// Dispatcher routes one terminal task's formatted result to its origin.
type Dispatcher struct {
	channels *channel.Registry
	history  *history.Store
	webhooks *webhook.Store
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(channels *channel.Registry, hist *history.Store, webhooks *webhook.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		history:  hist,
		webhooks: webhooks,
		logger:   logger,
	}
}

// Dispatch delivers the task's result. Routing, in order: webhook origin
// updates the originating notification record and announces on the webhook's
// configured channels; ui origin appends to the session's conversation
// history; chronos origin broadcasts everywhere; any other channel sends to
// the originating user when known, else broadcasts on that channel.
// Per-recipient failures are isolated: every delivery is attempted and the
// joined error reports what failed.
func (d *Dispatcher) Dispatch(task *domain.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("task %s is not terminal (status %s)", task.ID, task.Status)
	}

	msg := FormatResult(task)

	switch task.OriginChannel {
	case domain.ChannelWebhook:
		return d.dispatchWebhook(task, msg)
	case domain.ChannelUI:
		_, err := d.history.AddMessage(task.SessionID, "assistant", msg)
		if err != nil {
			return fmt.Errorf("appending result to session %s: %w", task.SessionID, err)
		}
		return nil
	case domain.ChannelChronos:
		return d.channels.Broadcast(msg)
	default:
		if task.OriginUserID != "" {
			return d.channels.SendToUser(task.OriginChannel, task.OriginUserID, msg)
		}
		a, ok := d.channels.Get(task.OriginChannel)
		if !ok {
			return fmt.Errorf("channel %q not registered", task.OriginChannel)
		}
		return a.SendMessage(msg)
	}
}

func (d *Dispatcher) dispatchWebhook(task *domain.Task, msg string) error {
	record, err := d.webhooks.NotificationForTask(task.ID)
	if err != nil {
		return fmt.Errorf("looking up webhook record for task %s: %w", task.ID, err)
	}

	result := task.Output
	if task.Status != domain.StatusCompleted {
		result = task.Error
	}
	if err := d.webhooks.UpdateNotification(record.ID, string(task.Status), result); err != nil {
		return fmt.Errorf("updating webhook record %s: %w", record.ID, err)
	}

	def, err := d.webhooks.GetDefinition(record.WebhookID)
	if err != nil {
		return fmt.Errorf("loading webhook definition %s: %w", record.WebhookID, err)
	}

	var errs []error
	for _, name := range def.NotifyChannels {
		a, ok := d.channels.Get(name)
		if !ok {
			d.logger.Warn("webhook notify channel not registered", "webhook", def.Name, "channel", name)
			continue
		}
		if err := a.SendMessage(msg); err != nil {
			d.logger.Warn("webhook announce failed", "webhook", def.Name, "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// FormatResult renders the human-readable result message for a terminal
// task: status icon, task id, agent, and the output or error body.
func FormatResult(task *domain.Task) string {
	var icon, body string
	switch task.Status {
	case domain.StatusCompleted:
		icon = "✅"
		body = task.Output
	case domain.StatusCancelled:
		icon = "🚫"
		body = "Task was cancelled."
	default:
		icon = "❌"
		body = "Error: " + task.Error
	}

	return fmt.Sprintf("%s Task %s (%s)\n%s", icon, shortID(task.ID), task.Agent, truncate(body, maxBodyLen))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
