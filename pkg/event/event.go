// Package event defines the event catalogue for the Stagehand bus: one typed
// payload struct per core event, a [Payload] contract that every publishable
// value satisfies, and a [Registry] binding event names to payload validation.
//
// Core events use closed struct payloads. Extension-defined events publish
// [GenericPayload], an explicitly unvalidated map shape.
package event

import (
	"fmt"
	"time"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Core event names.
const (
	DataRaw     = "data.raw"
	DataMessage = "data.message"

	DecisionRequest      = "decision.request"
	DecisionIntent       = "decision.intent"
	ProviderConnected    = "decision.provider.connected"
	ProviderDisconnected = "decision.provider.disconnected"

	RenderCompleted = "render.completed"
	RenderFailed    = "render.failed"

	CoreStartup  = "core.startup"
	CoreShutdown = "core.shutdown"
	CoreError    = "core.error"

	OBSSendText            = "obs.send_text"
	OBSSwitchScene         = "obs.switch_scene"
	OBSSetSourceVisibility = "obs.set_source_visibility"

	RemoteStreamRequestImage = "remote_stream.request_image"
)

// Payload is implemented by every value publishable on the bus.
// EventName ties the payload to its catalogue entry; Validate is invoked by
// the bus before dispatch and again on the subscriber side after transport.
type Payload interface {
	// EventName returns the event this payload belongs to.
	EventName() string

	// Validate reports whether the payload satisfies its schema.
	Validate() error
}

// LogFormatter is optionally implemented by payloads that want a custom
// one-line representation in the bus's emit log. Payloads without it are
// logged with %+v.
type LogFormatter interface {
	LogFormat() string
}

// RawPayload carries an un-normalized platform packet on [DataRaw].
type RawPayload struct {
	Content          string            `json:"content"`
	Source           string            `json:"source"`
	DataType         vtuber.DataType   `json:"data_type"`
	Timestamp        time.Time         `json:"timestamp"`
	PreserveOriginal bool              `json:"preserve_original,omitempty"`
	OriginalData     map[string]any    `json:"original_data,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (p RawPayload) EventName() string { return DataRaw }

func (p RawPayload) Validate() error {
	if p.Content == "" {
		return fmt.Errorf("event: %s: content is required", DataRaw)
	}
	if p.Source == "" {
		return fmt.Errorf("event: %s: source is required", DataRaw)
	}
	if !p.DataType.IsValid() {
		return fmt.Errorf("event: %s: data_type %q is invalid", DataRaw, p.DataType)
	}
	return nil
}

// MessagePayload carries a normalized message on [DataMessage].
type MessagePayload struct {
	Message   vtuber.NormalizedMessage `json:"message"`
	Source    string                   `json:"source"`
	Timestamp time.Time                `json:"timestamp"`
	Metadata  map[string]string        `json:"metadata,omitempty"`
}

func (p MessagePayload) EventName() string { return DataMessage }

func (p MessagePayload) Validate() error {
	if !p.Message.Valid() {
		return fmt.Errorf("event: %s: message violates invariants (text=%q importance=%.2f data_type=%q)",
			DataMessage, p.Message.Text, p.Message.Importance, p.Message.DataType)
	}
	if p.Source == "" {
		return fmt.Errorf("event: %s: source is required", DataMessage)
	}
	return nil
}

func (p MessagePayload) LogFormat() string {
	return fmt.Sprintf("MessagePayload(source=%s type=%s text=%.40q)", p.Source, p.Message.DataType, p.Message.Text)
}

// IntentPayload carries the decision result on [DecisionIntent].
type IntentPayload struct {
	Intent   vtuber.Intent `json:"intent_data"`
	Provider string        `json:"provider"`
}

func (p IntentPayload) EventName() string { return DecisionIntent }

func (p IntentPayload) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("event: %s: provider is required", DecisionIntent)
	}
	if !p.Intent.Valid() {
		return fmt.Errorf("event: %s: intent %q violates invariants", DecisionIntent, p.Intent.ID)
	}
	return nil
}

func (p IntentPayload) LogFormat() string {
	return fmt.Sprintf("IntentPayload(provider=%s emotion=%s response=%.40q actions=%d)",
		p.Provider, p.Intent.Emotion, p.Intent.ResponseText, len(p.Intent.Actions))
}

// ProviderConnectedPayload announces a decision provider becoming active.
type ProviderConnectedPayload struct {
	Provider         string            `json:"provider"`
	PreviousProvider string            `json:"previous_provider,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

func (p ProviderConnectedPayload) EventName() string { return ProviderConnected }

func (p ProviderConnectedPayload) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("event: %s: provider is required", ProviderConnected)
	}
	return nil
}

// ProviderDisconnectedPayload announces a decision provider going away.
type ProviderDisconnectedPayload struct {
	Provider  string            `json:"provider"`
	Reason    string            `json:"reason,omitempty"`
	WillRetry bool              `json:"will_retry,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (p ProviderDisconnectedPayload) EventName() string { return ProviderDisconnected }

func (p ProviderDisconnectedPayload) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("event: %s: provider is required", ProviderDisconnected)
	}
	return nil
}

// RenderCompletedPayload reports a successful output render.
type RenderCompletedPayload struct {
	Provider   string            `json:"provider"`
	OutputType string            `json:"output_type"`
	Success    bool              `json:"success"`
	DurationMS float64           `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (p RenderCompletedPayload) EventName() string { return RenderCompleted }

func (p RenderCompletedPayload) Validate() error {
	if p.Provider == "" || p.OutputType == "" {
		return fmt.Errorf("event: %s: provider and output_type are required", RenderCompleted)
	}
	return nil
}

// RenderFailedPayload reports a failed or timed-out output render.
type RenderFailedPayload struct {
	Provider     string            `json:"provider"`
	OutputType   string            `json:"output_type"`
	ErrorType    string            `json:"error_type"`
	ErrorMessage string            `json:"error_message"`
	Recoverable  bool              `json:"recoverable"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

func (p RenderFailedPayload) EventName() string { return RenderFailed }

func (p RenderFailedPayload) Validate() error {
	if p.Provider == "" || p.OutputType == "" {
		return fmt.Errorf("event: %s: provider and output_type are required", RenderFailed)
	}
	if p.ErrorType == "" || p.ErrorMessage == "" {
		return fmt.Errorf("event: %s: error_type and error_message are required", RenderFailed)
	}
	return nil
}

// SystemPayload is the shared shape of core.startup / core.shutdown / core.error.
type SystemPayload struct {
	Event     string            `json:"-"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (p SystemPayload) EventName() string { return p.Event }

func (p SystemPayload) Validate() error {
	switch p.Event {
	case CoreStartup, CoreShutdown, CoreError:
		return nil
	}
	return fmt.Errorf("event: system payload used for non-system event %q", p.Event)
}

// OBSTextPayload carries subtitle text on [OBSSendText].
type OBSTextPayload struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration,omitempty"`
}

func (p OBSTextPayload) EventName() string { return OBSSendText }

func (p OBSTextPayload) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("event: %s: text is required", OBSSendText)
	}
	return nil
}

// OBSScenePayload switches the active stream scene on [OBSSwitchScene].
type OBSScenePayload struct {
	SceneName string `json:"scene_name"`
}

func (p OBSScenePayload) EventName() string { return OBSSwitchScene }

func (p OBSScenePayload) Validate() error {
	if p.SceneName == "" {
		return fmt.Errorf("event: %s: scene_name is required", OBSSwitchScene)
	}
	return nil
}

// OBSSourceVisibilityPayload toggles a stream source on [OBSSetSourceVisibility].
type OBSSourceVisibilityPayload struct {
	SourceName string `json:"source_name"`
	Visible    bool   `json:"visible"`
}

func (p OBSSourceVisibilityPayload) EventName() string { return OBSSetSourceVisibility }

func (p OBSSourceVisibilityPayload) Validate() error {
	if p.SourceName == "" {
		return fmt.Errorf("event: %s: source_name is required", OBSSetSourceVisibility)
	}
	return nil
}

// RequestImagePayload asks the remote streamer for a fresh frame.
type RequestImagePayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (p RequestImagePayload) EventName() string { return RemoteStreamRequestImage }

func (p RequestImagePayload) Validate() error { return nil }

// GenericPayload is the escape hatch for extension-defined events. The map is
// published as-is and explicitly marked unvalidated; subscribers must treat
// the contents defensively.
type GenericPayload struct {
	Event string         `json:"-"`
	Data  map[string]any `json:"data"`
}

func (p GenericPayload) EventName() string { return p.Event }

func (p GenericPayload) Validate() error {
	if p.Event == "" {
		return fmt.Errorf("event: generic payload requires an event name")
	}
	return nil
}
