package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"

	textBlockType   = "TextBlock"
	previewMaxRunes = 200
)

// Message is a session message; Content holds the structured block payload.
type Message struct {
	ID          string
	SessionID   string
	Role        string
	Content     json.RawMessage
	TextPreview string
	CreatedAt   time.Time
}

type contentBlock struct {
	Type string `json:"_type"`
	Text string `json:"text"`
}

type messageContent struct {
	Content []contentBlock `json:"content"`
}

type rawMessageContent struct {
	Content []json.RawMessage `json:"content"`
}

// ExtractPrompt returns the first non-empty text block, falling back to the
// stored preview. Blocks that do not decode are skipped. An empty result
// means the message carries no usable prompt.
func ExtractPrompt(msg Message) string {
	if len(msg.Content) > 0 {
		var parsed rawMessageContent
		if err := json.Unmarshal(msg.Content, &parsed); err == nil {
			for _, raw := range parsed.Content {
				var block contentBlock
				if err := json.Unmarshal(raw, &block); err != nil {
					continue
				}
				if !strings.Contains(block.Type, textBlockType) {
					continue
				}
				if text := strings.TrimSpace(block.Text); text != "" {
					return text
				}
			}
		}
	}
	return strings.TrimSpace(msg.TextPreview)
}

// TextContent builds the structured content for a single text block.
func TextContent(text string) json.RawMessage {
	raw, _ := json.Marshal(messageContent{Content: []contentBlock{{Type: textBlockType, Text: text}}})
	return raw
}

// Preview truncates text to the stored preview length.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= previewMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewMaxRunes])
}
