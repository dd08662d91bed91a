// Package vtuber defines the core value types that flow through the Stagehand
// pipeline: [NormalizedMessage] (input → decision) and [Intent]
// (decision → output), together with their closed enums.
//
// All values are immutable once created. Pipeline filters that want to amend a
// message must work on a copy ([NormalizedMessage.Clone]); output providers
// receive the same Intent value and must not mutate it.
//
// This package lives under pkg/ because external provider implementations and
// extensions construct and consume these types.
package vtuber

import (
	"time"

	"github.com/google/uuid"
)

// DataType classifies the platform-level kind of an incoming message.
type DataType string

const (
	DataTypeText      DataType = "text"
	DataTypeGift      DataType = "gift"
	DataTypeSuperChat DataType = "super_chat"
	DataTypeGuard     DataType = "guard"
	DataTypeEnter     DataType = "enter"
	DataTypeFollow    DataType = "follow"
	DataTypeSystem    DataType = "system"
)

// IsValid reports whether d is a recognised data type.
func (d DataType) IsValid() bool {
	switch d {
	case DataTypeText, DataTypeGift, DataTypeSuperChat, DataTypeGuard,
		DataTypeEnter, DataTypeFollow, DataTypeSystem:
		return true
	}
	return false
}

// Emotion is the closed set of avatar emotions an [Intent] may carry.
type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionSurprised Emotion = "surprised"
	EmotionConfused  Emotion = "confused"
	EmotionScared    Emotion = "scared"
	EmotionLove      Emotion = "love"
	EmotionShy       Emotion = "shy"
	EmotionExcited   Emotion = "excited"
)

// IsValid reports whether e is a member of the closed emotion set.
func (e Emotion) IsValid() bool {
	switch e {
	case EmotionNeutral, EmotionHappy, EmotionSad, EmotionAngry,
		EmotionSurprised, EmotionConfused, EmotionScared, EmotionLove,
		EmotionShy, EmotionExcited:
		return true
	}
	return false
}

// ActionType is the closed set of side-effect directives inside an [IntentAction].
type ActionType string

const (
	ActionExpression ActionType = "expression"
	ActionHotkey     ActionType = "hotkey"
	ActionEmoji      ActionType = "emoji"
	ActionBlink      ActionType = "blink"
	ActionNod        ActionType = "nod"
	ActionShake      ActionType = "shake"
	ActionWave       ActionType = "wave"
	ActionClap       ActionType = "clap"
	ActionSticker    ActionType = "sticker"
	ActionMotion     ActionType = "motion"
	ActionCustom     ActionType = "custom"
	ActionGameAction ActionType = "game_action"
	ActionNone       ActionType = "none"
)

// IsValid reports whether a is a member of the closed action set.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionExpression, ActionHotkey, ActionEmoji, ActionBlink, ActionNod,
		ActionShake, ActionWave, ActionClap, ActionSticker, ActionMotion,
		ActionCustom, ActionGameAction, ActionNone:
		return true
	}
	return false
}

// Raw is the optional opaque platform-native object attached to a
// [NormalizedMessage]. Implementations wrap the original chat packet and
// expose the two accessors the core relies on.
type Raw interface {
	// UserID returns the platform-specific sender identifier.
	UserID() string

	// DisplayText returns the human-readable rendition of the raw packet.
	DisplayText() string
}

// NormalizedMessage is the unit flowing from the input domain to the decision
// domain. Text is a fully-normalized, LLM-ready description of whatever the
// source produced (a chat line, a gift notice, a screen caption).
type NormalizedMessage struct {
	// Text is the human-readable LLM-ready description. Never empty after
	// normalization.
	Text string `json:"text"`

	// Source is the producing input provider's name (e.g., "console_input").
	Source string `json:"source"`

	// DataType classifies the message.
	DataType DataType `json:"data_type"`

	// Importance in [0, 1]; used by filters and decision priority.
	Importance float64 `json:"importance"`

	// Timestamp marks when the provider produced the message.
	Timestamp time.Time `json:"timestamp"`

	// Raw is the optional platform-native packet. Not serialized.
	Raw Raw `json:"-"`

	// Metadata carries string-keyed auxiliary values.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Valid reports whether m satisfies the message invariants: non-empty text,
// importance within [0, 1], and a recognised data type.
func (m NormalizedMessage) Valid() bool {
	return m.Text != "" && m.Importance >= 0 && m.Importance <= 1 && m.DataType.IsValid()
}

// Clone returns a deep copy of m. Filters that amend a message must clone it
// first; the original stays immutable.
func (m NormalizedMessage) Clone() NormalizedMessage {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// UserID returns the sender identifier from Raw when present, else the
// "user_id" metadata value, else "".
func (m NormalizedMessage) UserID() string {
	if m.Raw != nil {
		return m.Raw.UserID()
	}
	return m.Metadata["user_id"]
}

// SourceContext is the provenance tuple echoed inside an [Intent], recording
// which message the intent answers.
type SourceContext struct {
	Source       string            `json:"source"`
	DataType     DataType          `json:"data_type"`
	UserID       string            `json:"user_id,omitempty"`
	UserNickname string            `json:"user_nickname,omitempty"`
	Importance   float64           `json:"importance"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// ContextFor builds the [SourceContext] echoing m.
func ContextFor(m NormalizedMessage) SourceContext {
	return SourceContext{
		Source:       m.Source,
		DataType:     m.DataType,
		UserID:       m.UserID(),
		UserNickname: m.Metadata["user_nickname"],
		Importance:   m.Importance,
	}
}

// IntentAction is one avatar/side-effect directive inside an [Intent].
type IntentAction struct {
	// Type selects the directive kind.
	Type ActionType `json:"type"`

	// Params carries free-form directive parameters (hotkey id, sticker name…).
	Params map[string]any `json:"params,omitempty"`

	// Priority in [0, 100]; higher runs sooner.
	Priority int `json:"priority"`
}

// Intent is the unit flowing from the decision domain to the output domain.
// It is created by the active decision provider, published exactly once on
// the bus, and consumed by every enabled output provider.
type Intent struct {
	ID            string            `json:"id"`
	OriginalText  string            `json:"original_text"`
	ResponseText  string            `json:"response_text"`
	Emotion       Emotion           `json:"emotion"`
	Actions       []IntentAction    `json:"actions"`
	SourceContext SourceContext     `json:"source_context"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewIntent creates an Intent answering msg with the given response text and
// emotion, assigning a fresh unique ID. An invalid emotion is coerced to
// neutral so that published intents always satisfy the emotion invariant.
func NewIntent(msg NormalizedMessage, response string, emotion Emotion, actions ...IntentAction) Intent {
	if !emotion.IsValid() {
		emotion = EmotionNeutral
	}
	return Intent{
		ID:            uuid.NewString(),
		OriginalText:  msg.Text,
		ResponseText:  response,
		Emotion:       emotion,
		Actions:       actions,
		SourceContext: ContextFor(msg),
		Timestamp:     time.Now(),
	}
}

// Valid reports whether i satisfies the intent invariants.
func (i Intent) Valid() bool {
	if !i.Emotion.IsValid() {
		return false
	}
	for _, a := range i.Actions {
		if !a.Type.IsValid() || a.Priority < 0 || a.Priority > 100 {
			return false
		}
	}
	return true
}
