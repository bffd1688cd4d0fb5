package prompt

import (
	"fmt"
	"strings"

	"github.com/skylark-labs/callpilot/internal/corpus"
)

// Intent is the conversational category a transcript is routed to. Each
// intent selects a prompt template; classification is keyword-based and
// deterministic.
type Intent string

const (
	IntentRequirements Intent = "requirements"
	IntentArchitecture Intent = "architecture"
	IntentIntegration  Intent = "integration"
	IntentRisk         Intent = "risk"
	IntentGeneric      Intent = "generic"
)

// intentRules are checked in order; the first rule with a matching keyword
// wins, so "design issues" classifies as architecture, not risk.
var intentRules = []struct {
	intent   Intent
	keywords []string
}{
	{IntentRequirements, []string{"require", "needs"}},
	{IntentArchitecture, []string{"architecture", "design"}},
	{IntentIntegration, []string{"integrat"}},
	{IntentRisk, []string{"risk", "issue"}},
}

var templates = map[Intent]string{
	IntentRequirements: "Summarize caller requirements with evidence references.",
	IntentArchitecture: "Outline technical architecture guidance grounded in evidence.",
	IntentIntegration:  "Explain integration pathways referencing evidence.",
	IntentRisk:         "List key risks and mitigations with citations.",
	IntentGeneric:      "Assist with the conversation using retrieved evidence.",
}

// excerptLen caps the evidence text quoted into a prompt.
const excerptLen = 200

// DetectIntent classifies a transcript by case-insensitive substring match.
func DetectIntent(text string) Intent {
	lowered := strings.ToLower(text)
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return rule.intent
			}
		}
	}
	return IntentGeneric
}

// BuildPrompt assembles the generation prompt from the intent template, the
// transcript, and evidence citations. With no evidence the prompt instructs
// the model to ask clarifying questions instead.
func BuildPrompt(intent Intent, evidence []corpus.Evidence, transcript string) string {
	header, ok := templates[intent]
	if !ok {
		header = templates[IntentGeneric]
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\nIntent: ")
	b.WriteString(string(intent))
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)
	b.WriteString("\nEvidence:\n")

	citations := make([]string, len(evidence))
	for i, ev := range evidence {
		excerpt := ev.Text
		if len(excerpt) > excerptLen {
			excerpt = excerpt[:excerptLen]
		}
		citations[i] = fmt.Sprintf("- [%s] %s (span %d-%d)", ev.ID, excerpt, ev.Span.Start(), ev.Span.End())
	}
	b.WriteString(strings.Join(citations, "\n"))

	if len(evidence) == 0 {
		b.WriteString("\nNo evidence available. Ask clarifying questions.")
	}
	return b.String()
}
