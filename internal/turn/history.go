package turn

import "github.com/auralis-ai/auralis/internal/llm"

// historyLimit caps the rolling conversation window sent to generation.
const historyLimit = 10

// ConversationHistory keeps the last completed exchanges for prompt context.
// Owned by the Controller, single-writer.
type ConversationHistory struct {
	turns []completedExchange
}

type completedExchange struct {
	userText  string
	agentText string
}

func (h *ConversationHistory) Add(userText, agentText string) {
	h.turns = append(h.turns, completedExchange{userText: userText, agentText: agentText})
	if len(h.turns) > historyLimit {
		h.turns = h.turns[len(h.turns)-historyLimit:]
	}
}

// Messages renders the window as alternating user/assistant messages.
func (h *ConversationHistory) Messages() []llm.Message {
	out := make([]llm.Message, 0, 2*len(h.turns))
	for _, t := range h.turns {
		out = append(out, llm.Message{Role: "user", Content: t.userText})
		out = append(out, llm.Message{Role: "assistant", Content: t.agentText})
	}
	return out
}

func (h *ConversationHistory) Len() int { return len(h.turns) }

func (h *ConversationHistory) Clear() { h.turns = nil }
