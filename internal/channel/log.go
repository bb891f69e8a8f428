package channel

import "log/slog"

// LogAdapter writes deliveries to the daemon log. Useful as a fallback when
// no chat transport is configured, and in tests.
type LogAdapter struct {
	logger *slog.Logger
}

// NewLogAdapter creates a logging channel adapter.
func NewLogAdapter(logger *slog.Logger) *LogAdapter {
	return &LogAdapter{logger: logger}
}

// Name implements Adapter.
func (l *LogAdapter) Name() string { return "log" }

// SendMessage implements Adapter.
func (l *LogAdapter) SendMessage(text string) error {
	l.logger.Info("channel message", "text", text)
	return nil
}

// SendMessageToUser implements Adapter.
func (l *LogAdapter) SendMessageToUser(userID, text string) error {
	l.logger.Info("channel message", "user", userID, "text", text)
	return nil
}

// Disconnect implements Adapter.
func (l *LogAdapter) Disconnect() error { return nil }
