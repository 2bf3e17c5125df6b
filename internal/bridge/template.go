package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// Default format templates used when a binding carries none.
const (
	DefaultChatTemplate  = "<{username}> {content}"
	DefaultEventTemplate = "[{server}] {kind}: {content}"
)

const templateTimeLayout = "15:04:05"

// RenderChat substitutes a group message into the binding's template.
// Recognized placeholders: {username}, {content}, {group}, {time}.
func RenderChat(template string, msg types.GroupMessage, content string) string {
	if template == "" {
		template = DefaultChatTemplate
	}
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	replacer := strings.NewReplacer(
		"{username}", msg.UserName,
		"{content}", content,
		"{group}", msg.GroupID,
		"{time}", at.Format(templateTimeLayout),
	)
	return replacer.Replace(template)
}

// RenderEvent substitutes an event into the binding's template. Beyond the
// fixed {server}, {kind}, {time} and {content} placeholders, every string
// or numeric field of the event data is available as {field}.
func RenderEvent(template string, event types.Event) string {
	if template == "" {
		template = DefaultEventTemplate
	}
	pairs := []string{
		"{server}", event.ServerID,
		"{kind}", event.Kind,
		"{time}", event.Timestamp.Format(templateTimeLayout),
		"{content}", stringify(event.Data["message"]),
	}
	for key, value := range event.Data {
		pairs = append(pairs, "{"+key+"}", stringify(value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
