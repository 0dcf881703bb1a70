package chat

import (
	"fmt"
	"strings"

	"docchat_back/knowledge"
)

const NoDetailsAnswer = "I don't have details on that from your documents."

const systemInstructions = `You answer questions about the user's private documents.
Rules:
1. Answer concisely and only from the context passages below.
2. Never invent content or mention documents that are not in the context.
3. Use the earlier conversation when the question refers back to it.
4. If the context does not contain the answer, reply exactly: "` + NoDetailsAnswer + `"
5. Keep to the relevant sections and skip commentary.`

// buildMessages assembles the grounded prompt: instructions and retrieved
// context, the prior turns, then the question.
func buildMessages(question string, history []Turn, passages []knowledge.Passage) []ChatMessage {
	var system strings.Builder
	system.WriteString(systemInstructions)
	system.WriteString("\n\nContext (from authorized documents only):\n")
	if len(passages) == 0 {
		system.WriteString("(no documents matched)\n")
	}
	for i, p := range passages {
		title := strings.TrimSpace(p.Title)
		if title == "" {
			title = p.DocumentID
		}
		fmt.Fprintf(&system, "[%d] %s\n%s\n\n", i+1, title, strings.TrimSpace(p.Text))
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: strings.TrimSpace(system.String())})
	for _, turn := range history {
		messages = append(messages, ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: question})
	return messages
}

// FormatSources renders cited document ids for display, or "" when there are none.
func FormatSources(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return "Sources: " + strings.Join(ids, ", ")
}

func citedDocuments(passages []knowledge.Passage) []string {
	seen := make(map[string]struct{}, len(passages))
	ids := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.DocumentID == "" {
			continue
		}
		if _, ok := seen[p.DocumentID]; ok {
			continue
		}
		seen[p.DocumentID] = struct{}{}
		ids = append(ids, p.DocumentID)
	}
	return ids
}
