package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"shopassist/models"
	"shopassist/utils"

	"github.com/abadojack/whatlanggo"
)

// ChatCompleter is implemented by *utils.LLMClient.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt string, messages []utils.ChatMessage, maxTokens int) (string, error)
}

type QueryAnalysis struct {
	Analysis           string           `json:"analysis"`
	Language           string           `json:"language"`
	QueryType          models.QueryType `json:"query_type"`
	NeedsClarification bool             `json:"needs_clarification"`
}

const analysisPrompt = `You are an AI product recommendation assistant.
Analyze the user query and extract key information about their needs.
Focus on understanding:
1. Product category
2. Key features/requirements
3. Budget constraints
4. Usage context
Return a structured response with these details.`

const clarificationPrompt = "Generate a single, clear question to clarify the user's needs."

var (
	comparativeWords  = []string{"best", "better", "vs", "compared"}
	featureWords      = []string{"with", "has", "need", "want"}
	clarificationHint = []string{"unclear", "ambiguous", "need more information", "specify", "clarify"}
)

// QueryAnalyzer turns a free-text shopping query into a QueryAnalysis using
// the language model plus local heuristics.
type QueryAnalyzer struct {
	llm    ChatCompleter
	logger *slog.Logger
}

func NewQueryAnalyzer(llm ChatCompleter, logger *slog.Logger) *QueryAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryAnalyzer{llm: llm, logger: logger.With("component", "nlp")}
}

// Analyze classifies query. language overrides detection when set.
func (a *QueryAnalyzer) Analyze(ctx context.Context, query string, qctx map[string]interface{}, language string) (*QueryAnalysis, error) {
	if language == "" {
		language = DetectLanguage(query)
	}

	var messages []utils.ChatMessage
	if len(qctx) > 0 {
		if b, err := json.Marshal(qctx); err == nil {
			messages = append(messages, utils.ChatMessage{Role: "system", Content: "Previous context: " + string(b)})
		}
	}
	messages = append(messages, utils.ChatMessage{Role: "user", Content: query})

	analysis, err := a.llm.Complete(ctx, analysisPrompt, messages, 500)
	if err != nil {
		return nil, fmt.Errorf("error processing query: %w", err)
	}
	res := &QueryAnalysis{
		Analysis:           analysis,
		Language:           language,
		QueryType:          ClassifyQuery(query),
		NeedsClarification: NeedsClarification(analysis),
	}
	a.logger.Debug("query analyzed", "language", res.Language, "query_type", res.QueryType, "needs_clarification", res.NeedsClarification)
	return res, nil
}

// GenerateClarification asks the model for one follow-up question.
func (a *QueryAnalyzer) GenerateClarification(ctx context.Context, analysis *QueryAnalysis) (string, error) {
	q, err := a.llm.Complete(ctx, clarificationPrompt, []utils.ChatMessage{
		{Role: "user", Content: "Based on this analysis: " + analysis.Analysis},
	}, 100)
	if err != nil {
		return "", fmt.Errorf("error generating clarification: %w", err)
	}
	return q, nil
}

// DetectLanguage returns the ISO 639-1 code of text, or "und" when unknown.
func DetectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return "und"
}

// ClassifyQuery applies the keyword rules: comparison words win over feature
// words; everything else is subjective.
func ClassifyQuery(query string) models.QueryType {
	words := tokenize(query)
	switch {
	case containsAny(words, comparativeWords):
		return models.QueryComparative
	case containsAny(words, featureWords):
		return models.QueryFeatureBased
	}
	return models.QuerySubjective
}

// NeedsClarification reports whether the model's analysis signals ambiguity.
func NeedsClarification(analysis string) bool {
	lower := strings.ToLower(analysis)
	for _, hint := range clarificationHint {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func tokenize(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func containsAny(set map[string]bool, words []string) bool {
	for _, w := range words {
		if set[w] {
			return true
		}
	}
	return false
}
