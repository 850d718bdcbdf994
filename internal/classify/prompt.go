package classify

import (
	"fmt"
	"strings"
	"time"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/llm"
)

// ToolName is the only tool the model may call.
const ToolName = "classify_messages"

const defaultMaxBodyChars = 500

const systemPrompt = `You are a message classification AI assistant.
You classify business chat messages (Chatwork/Slack) into projects or cases.

## Rules
1. Classify each message to the most appropriate project
2. Use the project name, description, keywords, and **classification rules** as reference
3. Classification rules (written by user in natural language) take highest priority for deciding project assignment
4. If no project matches, set project_id to null and suggest a new project name in suggested_project_name
5. Set confidence from 0.0 to 1.0 indicating your certainty
6. Write reasoning in the same language as the message (Japanese for Japanese messages)
7. Set low confidence for greetings or casual non-business messages
8. Return results for ALL messages (do not skip any)`

func BuildSystemPrompt() string {
	return systemPrompt
}

// BuildUserMessage lists the projects followed by the batch. Bodies are cut
// to maxBodyChars runes; a non-positive limit uses the default.
func BuildUserMessage(messages []domain.Message, projects []domain.Project, maxBodyChars int) string {
	if maxBodyChars <= 0 {
		maxBodyChars = defaultMaxBodyChars
	}

	var b strings.Builder
	b.WriteString("## Existing Projects\n")
	if len(projects) == 0 {
		b.WriteString("(No projects)\n")
	}
	for _, p := range projects {
		fmt.Fprintf(&b, "- ID: %s | Name: %s | Description: %s | Keywords: %s\n",
			p.ID, p.Name, orNone(p.Description), orNone(strings.Join(p.Keywords, ", ")))
		if rules := strings.TrimSpace(p.Rules); rules != "" {
			fmt.Fprintf(&b, "  Rules: %s\n", rules)
		}
	}

	fmt.Fprintf(&b, "\n## Messages to Classify (%d)\n", len(messages))
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "---\nID: %s\nSender: %s\nDate: %s\nBody:\n%s",
			m.ID, m.SenderName, m.SentAt.UTC().Format(time.RFC3339), truncateRunes(m.BodyPlain, maxBodyChars))
	}
	return b.String()
}

// ToolSchema builds the forced tool. project_id is restricted to the known
// ids or null.
func ToolSchema(projectIDs []string) llm.ToolSpec {
	enum := make([]any, 0, len(projectIDs)+1)
	for _, id := range projectIDs {
		enum = append(enum, id)
	}
	enum = append(enum, nil)

	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message_id": map[string]any{
				"type":        "string",
				"description": "The ID of the message being classified",
			},
			"project_id": map[string]any{
				"type":        []string{"string", "null"},
				"description": "The ID of the matching project, or null if no project matches",
				"enum":        enum,
			},
			"suggested_project_name": map[string]any{
				"type":        []string{"string", "null"},
				"description": "When project_id is null, suggest a project name. Null if project_id is set.",
			},
			"confidence": map[string]any{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "Confidence score from 0.0 to 1.0",
			},
			"reasoning": map[string]any{
				"type":        "string",
				"description": "Brief explanation for the classification decision (1-2 sentences)",
			},
		},
		"required": []string{"message_id", "project_id", "confidence", "reasoning"},
	}

	return llm.ToolSpec{
		Name:        ToolName,
		Description: "Classify each message into a project based on content analysis. Call this tool with the classification results for ALL messages in the batch.",
		Properties: map[string]any{
			"classifications": map[string]any{
				"type":  "array",
				"items": item,
			},
		},
		Required: []string{"classifications"},
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
