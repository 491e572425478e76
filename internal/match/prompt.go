package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/provider/llm"
)

const judgeSystemPrompt = `You judge whether a user utterance expresses the intent of a conversational move pattern.
Respond with a single JSON object and nothing else:
{"confidence": <number between 0 and 1>, "reasoning": "<one short sentence>"}
confidence 1.0 means the utterance unmistakably expresses the pattern's intent; 0.0 means it is unrelated.`

const judgeMaxTokens = 200

// maxHistoryTurns bounds how much conversation history the judgement prompt
// carries.
const maxHistoryTurns = 5

// judgement is the structured output the LLM stage requires.
type judgement struct {
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// judgeMove asks the model how well in.Text fits any of mv's trigger
// patterns and parses the structured verdict.
func (m *Matcher) judgeMove(ctx context.Context, g *game.Game, mv *game.Move, in Input) (judgement, llm.Usage, error) {
	resp, err := m.judge.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: judgeSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: buildJudgePrompt(g, mv, in)},
		},
		Temperature: 0,
		MaxTokens:   judgeMaxTokens,
		JSONOnly:    true,
	})
	if err != nil {
		return judgement{}, llm.Usage{}, err
	}

	j, err := parseJudgement(resp.Content)
	if err != nil {
		return judgement{}, resp.Usage, err
	}
	return j, resp.Usage, nil
}

// buildJudgePrompt assembles the user message: game description, vocabulary
// entries relevant to the input, the move's patterns, recent history, filled
// slots, and the utterance itself.
func buildJudgePrompt(g *game.Game, mv *game.Move, in Input) string {
	var b strings.Builder

	if g.Description != "" {
		fmt.Fprintf(&b, "Domain: %s\n", g.Description)
	}

	if vocab := relevantVocabulary(g, in.Text); len(vocab) > 0 {
		b.WriteString("Vocabulary:\n")
		for _, line := range vocab {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}

	b.WriteString("Move patterns:\n")
	for _, p := range mv.Triggers {
		if p.HasModifier(game.ModifierStrict) {
			continue
		}
		fmt.Fprintf(&b, "  %q\n", p.Raw)
	}

	if n := len(in.History); n > 0 {
		start := n - maxHistoryTurns
		if start < 0 {
			start = 0
		}
		b.WriteString("Recent turns:\n")
		for _, t := range in.History[start:] {
			fmt.Fprintf(&b, "  user: %s\n", t.UserInput)
			if t.Response != "" {
				fmt.Fprintf(&b, "  assistant: %s\n", t.Response)
			}
		}
	}

	if len(in.Slots) > 0 {
		b.WriteString("Known slot values:\n")
		for name, v := range in.Slots {
			fmt.Fprintf(&b, "  %s = %s\n", name, v)
		}
	}

	fmt.Fprintf(&b, "Utterance: %q\n", in.Text)
	return b.String()
}

// relevantVocabulary returns "term: syn1, syn2" lines for vocabulary entries
// whose term or any synonym appears in the input.
func relevantVocabulary(g *game.Game, input string) []string {
	lower := strings.ToLower(input)
	var lines []string
	for term, syns := range g.Vocabulary {
		hit := strings.Contains(lower, strings.ToLower(term))
		for _, s := range syns {
			if hit {
				break
			}
			hit = strings.Contains(lower, strings.ToLower(s))
		}
		if hit {
			lines = append(lines, fmt.Sprintf("%s: %s", term, strings.Join(syns, ", ")))
		}
	}
	return lines
}

// parseJudgement extracts the JSON verdict from content. Models sometimes
// wrap JSON in code fences or prose, so parsing scans for the outermost
// object instead of trusting the whole body.
func parseJudgement(content string) (judgement, error) {
	var j judgement

	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return j, fmt.Errorf("match: no JSON object in judgement %q", truncate(content, 120))
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), &j); err != nil {
		return j, fmt.Errorf("match: parse judgement: %w", err)
	}
	if j.Confidence < 0 {
		j.Confidence = 0
	}
	if j.Confidence > 1 {
		j.Confidence = 1
	}
	return j, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
