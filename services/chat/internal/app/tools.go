package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamchat/pkg/ai"
)

// ToolRunner executes one server-side tool.
type ToolRunner interface {
	Spec() ai.ToolSpec
	Run(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ClockTool reports the current time in a requested zone.
type ClockTool struct {
	Now func() time.Time
}

func (ClockTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        "current_time",
		Description: "Returns the current date and time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA time zone name, e.g. Europe/Berlin. Defaults to UTC.",
				},
			},
		},
	}
}

func (t ClockTool) Run(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	loc := time.UTC
	if tz := strings.TrimSpace(in.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return json.Marshal(map[string]string{
		"time":     now().In(loc).Format(time.RFC3339),
		"timezone": loc.String(),
	})
}

// BuiltinTools returns the named built-in runners keyed by tool name.
func BuiltinTools(names []string) (map[string]ToolRunner, error) {
	known := map[string]ToolRunner{
		"current_time": ClockTool{},
	}
	out := make(map[string]ToolRunner, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		runner, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out[name] = runner
	}
	return out, nil
}
