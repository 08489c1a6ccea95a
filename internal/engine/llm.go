package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

const systemPrompt = `You are an autonomous Kubernetes operations agent. You receive a cluster
observation digest and, when available, previously solved cases with their
solutions. Decide exactly one of:

- "no_action": the cluster is healthy or nothing actionable is visible.
- "remediate": a past case closely matches the current issue and its solution
  is a single safe kubectl command. Only choose this when a matched case is
  provided; never invent a command without precedent.
- "escalate": there is an issue but no sufficiently similar past case, the
  situation is ambiguous, or the known solution does not apply.

Respond with a single JSON object and nothing else:
{"verdict":"no_action|remediate|escalate","issue":"<one-line issue summary>","action":"<kubectl command or empty>","matched_case":<1-based index of the past case used, or 0>,"reason":"<one sentence>"}`

// llmVerdict is the wire shape the model is instructed to return.
type llmVerdict struct {
	Verdict     string `json:"verdict"`
	Issue       string `json:"issue"`
	Action      string `json:"action"`
	MatchedCase int    `json:"matched_case"`
	Reason      string `json:"reason"`
}

// LLMReasoner implements Reasoner on an OpenAI-compatible chat completions
// endpoint.
type LLMReasoner struct {
	client *openai.Client
	model  string
}

// NewLLMReasoner builds a reasoner against the given endpoint. An empty
// baseURL targets the default OpenAI API.
func NewLLMReasoner(baseURL, apiKey, model string) *LLMReasoner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &LLMReasoner{client: openai.NewClientWithConfig(cfg), model: model}
}

// Reason asks the model for a verdict over the digest and memory hits.
func (r *LLMReasoner) Reason(ctx context.Context, summary string, hits []models.MemoryHit) (models.Decision, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderUserPrompt(summary, hits)},
		},
	})
	if err != nil {
		return models.Decision{}, utils.E("engine.Reason", utils.KindReasoning, "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return models.Decision{}, utils.E("engine.Reason", utils.KindReasoning, "chat completion returned no choices", nil)
	}

	verdict, err := parseVerdictJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return models.Decision{}, utils.E("engine.Reason", utils.KindReasoning, "unparseable model reply", err)
	}

	decision := models.Decision{
		Verdict:        models.ParseVerdict(verdict.Verdict),
		IssueText:      verdict.Issue,
		ProposedAction: strings.TrimSpace(verdict.Action),
		Reason:         verdict.Reason,
	}
	if idx := verdict.MatchedCase; idx >= 1 && idx <= len(hits) {
		decision.MatchedRecordID = hits[idx-1].Record.ID
		decision.Confidence = hits[idx-1].Similarity
	}
	return decision, nil
}

// renderUserPrompt lays out the digest followed by the numbered past cases
// the verdict may reference via matched_case.
func renderUserPrompt(summary string, hits []models.MemoryHit) string {
	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n\n")

	if len(hits) == 0 {
		b.WriteString("Past cases: none above the similarity threshold.\n")
		return b.String()
	}

	b.WriteString("Past cases above the similarity threshold:\n")
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. (similarity %.2f, used %d times, outcome %s)\n   issue: %s\n   solution: %s\n",
			i+1, hit.Similarity, hit.Record.UseCount, hit.Record.Outcome,
			hit.Record.IssueText, hit.Record.SolutionAction)
	}
	return b.String()
}

// parseVerdictJSON decodes the model reply, tolerating a fenced code block
// around the JSON object.
func parseVerdictJSON(content string) (llmVerdict, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var v llmVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		// Some models wrap the object in prose; take the outermost braces.
		start := strings.IndexByte(text, '{')
		end := strings.LastIndexByte(text, '}')
		if start < 0 || end <= start {
			return llmVerdict{}, err
		}
		if inner := json.Unmarshal([]byte(text[start:end+1]), &v); inner != nil {
			return llmVerdict{}, inner
		}
	}
	if v.Verdict == "" {
		return llmVerdict{}, fmt.Errorf("reply missing verdict field")
	}
	return v, nil
}
