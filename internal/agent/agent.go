// Package agent defines the surface the orchestration workers use to hand
// work to the underlying conversational agent runtime.
package agent

import "context"

// Invoker runs a single agent turn and returns the final text output. The
// session string namespaces conversation state; workers pass synthetic
// sessions such as "chronos:<job-id>" so scheduled runs never pollute a
// user's conversation.
type Invoker interface {
	Invoke(ctx context.Context, prompt, session string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, prompt, session string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, prompt, session string) (string, error) {
	return f(ctx, prompt, session)
}
