package action

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// Built-in action names. These form the closed set workflow configs may
// reference (together with anything the embedder registers).
const (
	NameRouteAgent = "route.agent.default"
	NameTranscribe = "media.transcribe"
	NameForward    = "message.forward"
	NameNotify     = "notify.operator"
	NamePersist    = "event.persist"
)

// AgentClient is the AI-agent backend invoked by the reply action.
// Implementations live outside this engine.
type AgentClient interface {
	Reply(ctx context.Context, event *v1.Event, identity *v1.IdentityContext, params map[string]interface{}) (string, error)
}

// Transcriber converts media referenced by an event into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaRef string) (string, error)
}

// Sender delivers an outbound message through a provider adapter.
type Sender interface {
	Send(ctx context.Context, provider, instanceID, recipientHandle, text string) error
}

// Notifier pushes an operator notification.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Recorder persists an action output keyed by event.
type Recorder interface {
	Record(ctx context.Context, event *v1.Event, output map[string]interface{}) error
}

// RouteAgentAction asks the configured agent backend for a reply.
type RouteAgentAction struct {
	Agent AgentClient
}

func (a *RouteAgentAction) Name() string { return NameRouteAgent }

func (a *RouteAgentAction) Run(ctx context.Context, event *v1.Event, identity *v1.IdentityContext, params map[string]interface{}) Result {
	if a.Agent == nil {
		return Failure(fmt.Errorf("no agent backend configured"), false)
	}
	reply, err := a.Agent.Reply(ctx, event, identity, params)
	if err != nil {
		// Backend errors are transient by default: the agent may be
		// overloaded or briefly unreachable.
		return Failure(fmt.Errorf("agent reply: %w", err), true)
	}
	return Succeeded(map[string]interface{}{"reply": reply})
}

// TranscribeAction transcribes the event's media reference.
type TranscribeAction struct {
	Transcriber Transcriber
}

func (a *TranscribeAction) Name() string { return NameTranscribe }

func (a *TranscribeAction) Run(ctx context.Context, event *v1.Event, _ *v1.IdentityContext, _ map[string]interface{}) Result {
	if event.ContentMediaRef == "" {
		// Nothing to transcribe is a configuration mismatch, not a
		// transient condition.
		return Failure(fmt.Errorf("event %s has no media reference", event.ID), false)
	}
	if a.Transcriber == nil {
		return Failure(fmt.Errorf("no transcriber configured"), false)
	}
	text, err := a.Transcriber.Transcribe(ctx, event.ContentMediaRef)
	if err != nil {
		return Failure(fmt.Errorf("transcribe %s: %w", event.ContentMediaRef, err), true)
	}
	return Succeeded(map[string]interface{}{"transcript": text})
}

// ForwardAction relays the event's text to a handle from params.
type ForwardAction struct {
	Sender Sender
}

func (a *ForwardAction) Name() string { return NameForward }

func (a *ForwardAction) Run(ctx context.Context, event *v1.Event, _ *v1.IdentityContext, params map[string]interface{}) Result {
	to, _ := params["to"].(string)
	if to == "" {
		return Failure(fmt.Errorf("forward action requires a 'to' param"), false)
	}
	if a.Sender == nil {
		return Failure(fmt.Errorf("no sender configured"), false)
	}
	if err := a.Sender.Send(ctx, event.Provider, event.InstanceID, to, event.ContentText); err != nil {
		return Failure(fmt.Errorf("forward to %s: %w", to, err), true)
	}
	return Succeeded(nil)
}

// NotifyAction pushes an operator notification about the event.
type NotifyAction struct {
	Notifier Notifier
}

func (a *NotifyAction) Name() string { return NameNotify }

func (a *NotifyAction) Run(ctx context.Context, event *v1.Event, _ *v1.IdentityContext, params map[string]interface{}) Result {
	subject, _ := params["subject"].(string)
	if subject == "" {
		subject = fmt.Sprintf("event %s on %s", event.ID, event.InstanceID)
	}
	if a.Notifier == nil {
		return Failure(fmt.Errorf("no notifier configured"), false)
	}
	if err := a.Notifier.Notify(ctx, subject, event.ContentText); err != nil {
		return Failure(fmt.Errorf("notify: %w", err), true)
	}
	return Succeeded(nil)
}

// PersistAction records the accumulated chain output for the event.
type PersistAction struct {
	Recorder Recorder
}

func (a *PersistAction) Name() string { return NamePersist }

func (a *PersistAction) Run(ctx context.Context, event *v1.Event, _ *v1.IdentityContext, params map[string]interface{}) Result {
	if a.Recorder == nil {
		return Failure(fmt.Errorf("no recorder configured"), false)
	}
	if err := a.Recorder.Record(ctx, event, params); err != nil {
		return Failure(fmt.Errorf("persist output: %w", err), true)
	}
	return Succeeded(nil)
}

// SlogNotifier is a Notifier that writes to the structured log. Used as the
// default wiring when no external notification channel is configured.
type SlogNotifier struct{}

func (SlogNotifier) Notify(_ context.Context, subject, body string) error {
	slog.Warn("[Notify] Operator notification", "subject", subject, "body", body)
	return nil
}
