package turn

// Sentence is one generation-to-synthesis unit carried on the sentence queue.
// The stream is terminated by the sentinel Sentence{Text: "", Final: true}.
type Sentence struct {
	Text  string
	Final bool
}

// sentenceQueueCap bounds the generation → synthesis channel. LLM streaming is
// far slower than synthesis dequeue in practice, so the writer rarely blocks.
const sentenceQueueCap = 32
