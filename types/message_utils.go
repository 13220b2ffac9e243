package types

import "strings"

// NewTextMessage builds a Message containing a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:  role,
		Parts: []Part{NewTextPart(text)},
	}
}

// FirstText returns the text of the first text part in the message, or "".
func FirstText(m Message) string {
	for _, part := range m.Parts {
		if part.Type == PartTypeText {
			return part.Text
		}
	}
	return ""
}

// JoinText concatenates every text part of the message, newline-separated.
func JoinText(m Message) string {
	var texts []string
	for _, part := range m.Parts {
		if part.Type == PartTypeText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// SenderFromMetadata decodes the "sender" metadata entry, if present. The
// entry arrives either as a decoded SenderInfo (in-process callers) or as the
// generic map produced by JSON unmarshaling.
func SenderFromMetadata(metadata map[string]any) (SenderInfo, bool) {
	raw, ok := metadata[MetadataSender]
	if !ok {
		return SenderInfo{}, false
	}

	switch v := raw.(type) {
	case SenderInfo:
		return v, v.SenderID != ""
	case *SenderInfo:
		if v == nil {
			return SenderInfo{}, false
		}
		return *v, v.SenderID != ""
	case map[string]any:
		info := SenderInfo{
			SenderID:       stringField(v, "sender_id"),
			SenderEndpoint: stringField(v, "sender_endpoint"),
			SenderTaskID:   stringField(v, "sender_task_id"),
			SenderUDSPath:  stringField(v, "sender_uds_path"),
			SenderType:     stringField(v, "sender_type"),
		}
		return info, info.SenderID != ""
	default:
		return SenderInfo{}, false
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// InReplyTo returns the in_reply_to metadata value, if present.
func InReplyTo(metadata map[string]any) (string, bool) {
	s, ok := metadata[MetadataInReplyTo].(string)
	return s, ok && s != ""
}

// ResponseExpected reports whether the sender asked for a reply task.
func ResponseExpected(metadata map[string]any) bool {
	b, ok := metadata[MetadataResponseExpected].(bool)
	return ok && b
}
