package warp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Codec decodes one raw upstream frame into zero or more events. A single
// frame may carry several client actions, so decoding fans out.
type Codec interface {
	Decode(raw []byte) ([]Event, error)
}

// JSONCodec decodes the protobuf-JSON frames emitted by the multi-agent
// endpoint. Upstream is inconsistent about field casing, so lookups accept
// both snake_case and camelCase.
type JSONCodec struct{}

// Decode implements Codec.
func (JSONCodec) Decode(raw []byte) ([]Event, error) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode event frame: %w", err)
	}

	if _, ok := frame["finished"]; ok {
		return []Event{{Kind: EventEnd}}, nil
	}

	if init, ok := frame["init"].(map[string]any); ok {
		return []Event{{Kind: EventMeta, Meta: &Meta{
			ConversationID: pickString(init, "conversation_id", "conversationId"),
			TaskID:         pickString(init, "task_id", "taskId"),
		}}}, nil
	}

	actions, ok := pick(frame, "client_actions", "clientActions").(map[string]any)
	if !ok {
		return nil, nil
	}
	list, _ := pick(actions, "actions", "Actions").([]any)

	var events []Event
	var text strings.Builder
	for _, item := range list {
		action, ok := item.(map[string]any)
		if !ok {
			continue
		}

		if appendData, ok := pick(action, "append_to_message_content", "appendToMessageContent").(map[string]any); ok {
			if msg, ok := appendData["message"].(map[string]any); ok {
				text.WriteString(agentOutputText(msg))
			}
		}

		if addData, ok := pick(action, "add_messages_to_task", "addMessagesToTask").(map[string]any); ok {
			msgs, _ := addData["messages"].([]any)
			for _, m := range msgs {
				msg, ok := m.(map[string]any)
				if !ok {
					continue
				}
				text.WriteString(agentOutputText(msg))
				if tc := decodeToolCall(msg); tc != nil {
					events = append(events, Event{Kind: EventToolCall, ToolCall: tc})
				}
			}
		}
	}

	if text.Len() > 0 {
		// Text precedes tool calls within a frame.
		events = append([]Event{{Kind: EventText, Text: text.String()}}, events...)
	}
	return events, nil
}

func pick(data map[string]any, names ...string) any {
	for _, name := range names {
		if v, ok := data[name]; ok {
			return v
		}
	}
	return nil
}

func pickString(data map[string]any, names ...string) string {
	s, _ := pick(data, names...).(string)
	return s
}

func agentOutputText(msg map[string]any) string {
	out, ok := pick(msg, "agent_output", "agentOutput").(map[string]any)
	if !ok {
		return ""
	}
	text, _ := out["text"].(string)
	return text
}

func decodeToolCall(msg map[string]any) *ToolCall {
	tc, ok := pick(msg, "tool_call", "toolCall").(map[string]any)
	if !ok {
		return nil
	}
	mcp, ok := pick(tc, "call_mcp_tool", "callMcpTool").(map[string]any)
	if !ok {
		return nil
	}
	name, _ := mcp["name"].(string)
	if name == "" {
		return nil
	}

	args := "{}"
	if rawArgs, ok := mcp["args"]; ok && rawArgs != nil {
		if encoded, err := json.Marshal(rawArgs); err == nil {
			args = string(encoded)
		}
	}
	return &ToolCall{
		ID:        pickString(tc, "tool_call_id", "toolCallId"),
		Name:      name,
		Arguments: args,
	}
}

// DecodePayload decodes an SSE data payload into raw frame bytes. Upstream
// sends base64url without padding, but standard encoding shows up too.
func DecodePayload(payload string) ([]byte, error) {
	s := strings.TrimSpace(payload)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return raw, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return raw, nil
}
