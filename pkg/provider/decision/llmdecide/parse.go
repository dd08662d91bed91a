package llmdecide

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// reply is the JSON object the model is instructed to produce.
type reply struct {
	ResponseText string        `json:"response_text"`
	Emotion      string        `json:"emotion"`
	Actions      []replyAction `json:"actions"`
}

type replyAction struct {
	Type     string         `json:"type"`
	Params   map[string]any `json:"params"`
	Priority int            `json:"priority"`
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// repairJSON recovers the JSON object from a model reply that may be wrapped
// in Markdown fences, surrounded by prose, or carry trailing commas.
func repairJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	// Strip ```json … ``` fences.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("llm decider: no JSON object in reply %.60q", raw)
	}
	s = s[start : end+1]

	return trailingCommaRe.ReplaceAllString(s, "$1"), nil
}

// parseReply turns a raw model reply into an intent answering msg. Unknown
// emotions coerce to neutral and unknown action types to none; an empty
// action list gets a default low-priority blink so the avatar never freezes.
func parseReply(raw string, msg vtuber.NormalizedMessage) (vtuber.Intent, error) {
	repaired, err := repairJSON(raw)
	if err != nil {
		return vtuber.Intent{}, err
	}

	var r reply
	if err := json.Unmarshal([]byte(repaired), &r); err != nil {
		return vtuber.Intent{}, fmt.Errorf("llm decider: parse reply: %w", err)
	}
	if r.ResponseText == "" {
		return vtuber.Intent{}, fmt.Errorf("llm decider: reply has no response_text")
	}

	actions := make([]vtuber.IntentAction, 0, len(r.Actions))
	for _, a := range r.Actions {
		action := vtuber.IntentAction{
			Type:     vtuber.ActionType(a.Type),
			Params:   a.Params,
			Priority: a.Priority,
		}
		if !action.Type.IsValid() {
			action.Type = vtuber.ActionNone
		}
		if action.Priority < 0 {
			action.Priority = 0
		}
		if action.Priority > 100 {
			action.Priority = 100
		}
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		actions = append(actions, vtuber.IntentAction{Type: vtuber.ActionBlink, Priority: 30})
	}

	// NewIntent coerces an unknown emotion to neutral.
	return vtuber.NewIntent(msg, r.ResponseText, vtuber.Emotion(r.Emotion), actions...), nil
}
