package research

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/atelier/internal/llm"
)

const queryWriterPrompt = `You are a research assistant preparing web searches for the conversation below.
The current date is %s.
Produce exactly %d diverse search queries that together cover the user's request.
Respond with only a JSON object of the form {"queries": ["..."], "rationale": "..."}.

Conversation:
%s`

const webResearchPrompt = `Research the following topic using the web_search tool. Issue searches until you have enough material, then stop.

Topic: %s`

const citedSummaryPrompt = `Write a concise research summary of the topic below, grounded only in the collected search results. Cite sources inline as [title](url).

Topic: %s

Search results:
%s`

const reflectionPrompt = `You are judging whether the research gathered so far fully answers the conversation's request.
Respond with only a JSON object of the form {"is_sufficient": bool, "knowledge_gap": "...", "follow_up_queries": ["..."]}.
If the research is sufficient, follow_up_queries must be empty.

Conversation:
%s

Research gathered:
%s`

const answerPrompt = `Using the research below, write the final answer to the conversation's request. Keep inline citations from the research where relevant.

Research:
%s`

func renderConversation(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func renderResearch(research []string) string {
	if len(research) == 0 {
		return "(none)"
	}
	return strings.Join(research, "\n\n---\n\n")
}
