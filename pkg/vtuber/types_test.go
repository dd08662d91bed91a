package vtuber_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// ── enums ─────────────────────────────────────────────────────────────────────

func TestEmotionIsValid(t *testing.T) {
	valid := []vtuber.Emotion{
		vtuber.EmotionNeutral, vtuber.EmotionHappy, vtuber.EmotionSad,
		vtuber.EmotionAngry, vtuber.EmotionSurprised, vtuber.EmotionConfused,
		vtuber.EmotionScared, vtuber.EmotionLove, vtuber.EmotionShy,
		vtuber.EmotionExcited,
	}
	for _, e := range valid {
		if !e.IsValid() {
			t.Errorf("%q should be valid", e)
		}
	}
	if vtuber.Emotion("rage").IsValid() {
		t.Error("unknown emotion should be invalid")
	}
}

func TestActionTypeIsValid(t *testing.T) {
	if !vtuber.ActionBlink.IsValid() || !vtuber.ActionGameAction.IsValid() {
		t.Error("known action types should be valid")
	}
	if vtuber.ActionType("teleport").IsValid() {
		t.Error("unknown action type should be invalid")
	}
}

// ── NormalizedMessage ─────────────────────────────────────────────────────────

func TestNormalizedMessageValid(t *testing.T) {
	m := vtuber.NormalizedMessage{
		Text:       "hello",
		Source:     "console_input",
		DataType:   vtuber.DataTypeText,
		Importance: 0.5,
		Timestamp:  time.Now(),
	}
	if !m.Valid() {
		t.Fatal("message should be valid")
	}

	bad := m
	bad.Text = ""
	if bad.Valid() {
		t.Error("empty text should be invalid")
	}
	bad = m
	bad.Importance = 1.5
	if bad.Valid() {
		t.Error("importance > 1 should be invalid")
	}
	bad = m
	bad.DataType = "emote"
	if bad.Valid() {
		t.Error("unknown data type should be invalid")
	}
}

func TestNormalizedMessageClone(t *testing.T) {
	m := vtuber.NormalizedMessage{
		Text:     "hi",
		Source:   "x",
		DataType: vtuber.DataTypeText,
		Metadata: map[string]string{"user_id": "u1"},
	}
	c := m.Clone()
	c.Metadata["user_id"] = "u2"
	if m.Metadata["user_id"] != "u1" {
		t.Error("clone must not share the metadata map")
	}
}

// ── Intent ────────────────────────────────────────────────────────────────────

func TestNewIntentCoercesEmotion(t *testing.T) {
	msg := vtuber.NormalizedMessage{
		Text: "hello", Source: "console_input",
		DataType: vtuber.DataTypeText, Importance: 0.5,
		Metadata: map[string]string{"user_id": "u1", "user_nickname": "Ann"},
	}
	in := vtuber.NewIntent(msg, "hi", vtuber.Emotion("bogus"))
	if in.Emotion != vtuber.EmotionNeutral {
		t.Errorf("unknown emotion should coerce to neutral, got %q", in.Emotion)
	}
	if in.ID == "" {
		t.Error("intent must be assigned an ID")
	}
	if in.SourceContext.UserID != "u1" || in.SourceContext.UserNickname != "Ann" {
		t.Errorf("source context not echoed: %+v", in.SourceContext)
	}
	if in.OriginalText != "hello" {
		t.Errorf("original_text: got %q", in.OriginalText)
	}
}

func TestIntentJSONRoundTrip(t *testing.T) {
	msg := vtuber.NormalizedMessage{
		Text: "666", Source: "danmaku", DataType: vtuber.DataTypeText, Importance: 0.3,
	}
	in := vtuber.NewIntent(msg, "thanks!", vtuber.EmotionHappy,
		vtuber.IntentAction{Type: vtuber.ActionBlink, Priority: 30},
		vtuber.IntentAction{Type: vtuber.ActionHotkey, Params: map[string]any{"id": "wave"}, Priority: 60},
	)

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out vtuber.Intent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID || out.ResponseText != in.ResponseText || out.Emotion != in.Emotion {
		t.Errorf("round trip mismatch: got %+v", out)
	}
	if len(out.Actions) != 2 || out.Actions[0].Type != vtuber.ActionBlink {
		t.Errorf("actions round trip mismatch: %+v", out.Actions)
	}
	if !out.Valid() {
		t.Error("round-tripped intent should remain valid")
	}
}

func TestIntentValidRejectsBadAction(t *testing.T) {
	in := vtuber.Intent{
		Emotion: vtuber.EmotionNeutral,
		Actions: []vtuber.IntentAction{{Type: vtuber.ActionBlink, Priority: 130}},
	}
	if in.Valid() {
		t.Error("priority above 100 should be invalid")
	}
}
