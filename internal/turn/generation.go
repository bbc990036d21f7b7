package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/auralis-ai/auralis/internal/llm"
	"github.com/auralis-ai/auralis/internal/rag"
)

const systemPromptBase = "You are a helpful voice assistant. Keep responses concise and natural for speech. " +
	"Use conversation history for context, but answer only the latest user request. " +
	"Do NOT repeat or restate previous assistant replies."

type retrievalTask struct {
	cancel  context.CancelFunc
	done    chan struct{}
	results []rag.Result
}

type generationTask struct {
	token  int64
	cancel context.CancelFunc
	queue  chan Sentence
	// startedAt anchors LLM call latency accounting.
	startedAt time.Time
}

// startRetrieval launches a speculative retrieval for the accumulated final
// text, superseding any previous run. Query guardrails run here, before any
// downstream work begins: a violating turn dies in LISTENING and never
// reaches SPECULATIVE. Returns false when the turn was blocked.
func (c *Controller) startRetrieval(query string) bool {
	if c.retriever == nil || strings.TrimSpace(query) == "" {
		return true
	}
	if res := c.guards.ValidateQuery(query); !res.Passed {
		c.blockQuery(res.Violation)
		return false
	}
	c.cancelRetrieval()

	ctx, cancel := context.WithCancel(c.runCtx)
	task := &retrievalTask{cancel: cancel, done: make(chan struct{})}
	c.retrieval = task

	go func() {
		defer close(task.done)
		task.results = c.retriever.Retrieve(ctx, query, c.sessionID, c.cfg.RAGTimeout)
	}()
	return true
}

// blockQuery aborts the turn for a query guardrail violation: canned fallback
// upward, then a clean unwind to IDLE.
func (c *Controller) blockQuery(violation rag.Violation) {
	fallback := rag.FallbackMessage(violation)
	if c.cb.OnAgentTextFallback != nil {
		c.cb.OnAgentTextFallback(fallback, "guardrail_"+string(violation))
	}
	if c.metrics != nil {
		c.metrics.GuardrailBlocks.WithLabelValues(string(violation)).Inc()
	}
	c.resetToIdle("query guardrail violation")
}

func (c *Controller) cancelRetrieval() {
	if c.retrieval != nil {
		c.retrieval.cancel()
		c.retrieval = nil
	}
}

// handleSilenceComplete runs step §silence → generation: enter SPECULATIVE,
// lock the buffer and launch the generation task.
func (c *Controller) handleSilenceComplete() {
	if c.machine.Current() != StateListening {
		slog.Debug("silence fired outside LISTENING, ignoring",
			"state", c.machine.Current())
		return
	}
	if !c.buffer.HasFinals() {
		c.resetToIdle("silence with no committed text")
		return
	}

	if !c.machine.Transition(StateSpeculative, "silence confirmed") {
		return
	}
	c.buffer.Lock()
	c.speechEndAt = time.Now()

	userText := c.buffer.FinalText()
	if c.currentTurn != nil {
		c.currentTurn.userText = userText
		c.currentTurn.avgConfidence = c.buffer.AverageFinalConfidence()
	}

	// Edge case: nothing speculative is running yet (e.g. a retrieval that
	// already finished empty and was superseded).
	if c.retriever != nil && c.retrieval == nil {
		if !c.startRetrieval(userText) {
			return
		}
	}

	c.turnToken++
	token := c.turnToken
	genCtx, cancel := context.WithCancel(c.runCtx)
	task := &generationTask{
		token:     token,
		cancel:    cancel,
		queue:     make(chan Sentence, sentenceQueueCap),
		startedAt: time.Now(),
	}
	c.generation = task

	// History is snapshotted on the loop goroutine; the generation task must
	// not touch controller-owned state.
	go c.runGeneration(genCtx, task, userText, c.history.Messages(), c.retrieval)
}

// runGeneration executes off the loop goroutine: await retrieval, gate on
// query guardrails, stream the LLM response into the sentence queue, then
// re-check the aggregate response. Results are reported back as events.
func (c *Controller) runGeneration(ctx context.Context, task *generationTask, userText string, history []llm.Message, retrieval *retrievalTask) {
	contextDocs := c.awaitRetrieval(ctx, retrieval)

	if res := c.guards.ValidateQuery(userText); !res.Passed {
		c.post(evGuardrailBlock{token: task.token, violation: res.Violation})
		return
	}
	if len(contextDocs) > 0 {
		if res := c.guards.ValidateRetrieval(contextDocs); !res.Passed {
			// Low-relevance context is dropped, not fatal: the model answers
			// from conversation alone and admits ignorance when pressed.
			slog.Debug("retrieval below confidence, dropping context",
				"violation", res.Violation)
			contextDocs = nil
		}
	}

	req := llm.Request{
		System:  buildSystemPrompt(contextDocs),
		History: history,
		User:    userText,
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	first := true
	result, err := c.llm.StreamSentences(streamCtx, req, func(sentence string, final bool) error {
		if final {
			select {
			case task.queue <- Sentence{Final: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		if first {
			first = false
			c.post(evFirstSentence{token: task.token})
		}
		select {
		case task.queue <- Sentence{Text: sentence}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	evt := evGenerationDone{token: task.token, result: result, err: err}
	if err == nil {
		// Post-hoc response guardrails: sentences streamed optimistically,
		// the aggregate is re-checked here and a fallback re-emitted when it
		// fails. Trades a short exposure window for first-audio latency.
		check := c.guards.ValidateResponse(result.Text)
		switch {
		case !check.Passed:
			evt.blocked = check.Violation
			evt.fallbackText = rag.FallbackMessage(check.Violation)
		case check.Violation == rag.ViolationPIIDetected:
			evt.sanitized = check.SanitizedText
		}

		if len(contextDocs) > 0 {
			var ctxText strings.Builder
			for _, d := range contextDocs {
				ctxText.WriteString(d.Text)
				ctxText.WriteByte('\n')
			}
			if ok, score := rag.IsGrounded(result.Text, ctxText.String()); !ok {
				slog.Warn("response weakly grounded in context",
					"session", c.sessionID, "score", fmt.Sprintf("%.2f", score))
			}
		}
	}
	c.post(evt)
}

// awaitRetrieval waits out the remaining share of the retrieval budget.
// Timeout or cancellation yields an empty context, never an error.
func (c *Controller) awaitRetrieval(ctx context.Context, task *retrievalTask) []rag.Result {
	if task == nil {
		return nil
	}
	deadline := time.NewTimer(c.cfg.RAGTimeout)
	defer deadline.Stop()
	select {
	case <-task.done:
		return task.results
	case <-deadline.C:
		slog.Warn("retrieval still running at generation start, proceeding without context",
			"session", c.sessionID)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func buildSystemPrompt(docs []rag.Result) string {
	if len(docs) == 0 {
		return systemPromptBase
	}

	var b strings.Builder
	b.WriteString(systemPromptBase)
	b.WriteString("\n\nYou have access to the following relevant information from the user's knowledge base:\n\n")
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Source: %s - Relevance: %.2f]\n%s", d.SourceID, d.Score, d.Text)
	}
	b.WriteString("\n\nInstructions for using this information:\n")
	b.WriteString("- Answer the user's question based PRIMARILY on the provided context\n")
	b.WriteString("- If the context doesn't contain the answer, clearly say \"I don't have that information in your knowledge base\"\n")
	b.WriteString("- Do NOT make up or hallucinate information not present in the context\n")
	b.WriteString("- Cite sources naturally (e.g., \"According to your policy document...\")\n")
	b.WriteString("- Keep responses concise for voice delivery (2-3 sentences max)\n")
	return b.String()
}

// handleFirstSentence commits the turn: SPECULATIVE → COMMITTED and the
// synthesis task starts consuming the sentence queue.
func (c *Controller) handleFirstSentence(token int64) {
	if c.generation == nil || c.generation.token != token {
		return
	}
	if c.machine.Current() != StateSpeculative {
		return
	}
	c.firstSentenceAt = time.Now()
	if c.metrics != nil && !c.speechEndAt.IsZero() {
		c.metrics.ObserveTurnStage("speech_end_to_first_sentence", c.firstSentenceAt.Sub(c.speechEndAt))
	}
	c.machine.Transition(StateCommitted, "first sentence ready")
	c.startSynthesis(token, c.generation.queue)
}

func (c *Controller) handleGuardrailBlock(token int64, violation rag.Violation) {
	if c.generation == nil || c.generation.token != token {
		return
	}
	c.recordLLMCall(token, LLMCallCanceled, llm.Result{})
	c.blockQuery(violation)
}

func (c *Controller) handleGenerationDone(e evGenerationDone) {
	if e.err != nil && errors.Is(e.err, context.Canceled) {
		// The cancel site already did the state bookkeeping; only the wasted
		// completion tokens of the partial stream are accounted here.
		c.tokensWasted += e.result.CompletionTokens
		return
	}
	if c.generation == nil || c.generation.token != e.token {
		return
	}

	if e.err != nil {
		c.cancelSynthesis()
		c.recordLLMCall(e.token, LLMCallFailed, e.result)
		if errors.Is(e.err, context.DeadlineExceeded) {
			c.emitError("llm_timeout", "AI response took too long", true)
		} else {
			c.emitError("llm_error", "AI generation failed: "+truncate(e.err.Error(), 100), true)
		}
		c.resetToIdle("generation failed")
		return
	}

	if strings.TrimSpace(e.result.Text) == "" {
		c.emitError("llm_no_response", "AI did not generate a response", true)
		c.recordLLMCall(e.token, LLMCallFailed, e.result)
		c.resetToIdle("empty generation")
		return
	}

	agentText := e.result.Text
	switch {
	case e.blocked != "":
		agentText = e.fallbackText
		if c.cb.OnAgentTextFallback != nil {
			c.cb.OnAgentTextFallback(e.fallbackText, "guardrail_"+string(e.blocked))
		}
		if c.metrics != nil {
			c.metrics.GuardrailBlocks.WithLabelValues(string(e.blocked)).Inc()
		}
	case e.sanitized != "":
		agentText = e.sanitized
	}

	if c.currentTurn != nil {
		c.currentTurn.agentText = agentText
	}
	c.recordLLMCall(e.token, LLMCallCompleted, e.result)
	c.generationDone = true
	c.maybeFinishStreaming(e.token)
}

// cancelSpeculation unwinds an in-flight generation when the user keeps
// talking: SPECULATIVE → LISTENING with the buffer unlocked so new transcripts
// accumulate onto the same turn.
func (c *Controller) cancelSpeculation(reason string) {
	task := c.generation
	c.cancelGeneration()
	c.cancelRetrieval()
	c.buffer.Unlock()
	c.machine.Transition(StateListening, reason)
	c.cancelledTurns++
	if task != nil {
		c.recordLLMCall(task.token, LLMCallSpeculativeCancel, llm.Result{})
	}
	if c.metrics != nil {
		c.metrics.TurnEvents.WithLabelValues("speculation_cancelled").Inc()
	}
}

// cancelCommitted unwinds after commitment but before audio: synthesis and
// generation are cancelled, the queue drained, and the machine re-enters
// LISTENING through IDLE for a fresh turn.
func (c *Controller) cancelCommitted(reason string) {
	task := c.generation
	c.cancelSynthesis()
	c.cancelGeneration()
	c.cancelRetrieval()
	c.cancelledTurns++
	if task != nil {
		c.recordLLMCall(task.token, LLMCallCanceled, llm.Result{})
	}
	c.machine.Transition(StateIdle, reason)
	c.sealTurn(true, false)
	c.buffer.Clear()
	c.beginTurn()
	c.machine.Transition(StateListening, "user restarted")
	if c.metrics != nil {
		c.metrics.TurnEvents.WithLabelValues("committed_cancelled").Inc()
	}
}

func (c *Controller) cancelGeneration() {
	if c.generation != nil {
		c.generation.cancel()
		c.generation = nil
	}
}

func (c *Controller) recordLLMCall(token int64, status string, result llm.Result) {
	if status != LLMCallCompleted {
		c.tokensWasted += result.CompletionTokens
	}
	if c.sink == nil {
		return
	}
	turnID := ""
	if c.currentTurn != nil {
		turnID = c.currentTurn.id
	}
	latency := time.Duration(0)
	if c.generation != nil && c.generation.token == token {
		latency = time.Since(c.generation.startedAt)
	}
	c.sink.RecordLLMCall(c.runCtx, c.sessionID, turnID, status,
		result.PromptTokens, result.CompletionTokens, latency)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
