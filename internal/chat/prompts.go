package chat

import (
	"fmt"
	"strings"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
)

const defaultSystemPrompt = "You are a helpful assistant for %s. " +
	"Use the available tools to ground your answers in the tenant's data. " +
	"When a tool returns no matching content, say so instead of guessing."

// buildMessages assembles the initial transcript: system preamble, caller
// supplied history, then the new user message. When a prompt name is given
// the tenant's template replaces the raw message, with {{question}} and the
// prompt arguments substituted.
func buildMessages(tn *tenant.Tenant, req TurnRequest) ([]llm.Message, error) {
	system := tn.SystemPrompt
	if system == "" {
		name := tn.DisplayName
		if name == "" {
			name = tn.ID
		}
		system = fmt.Sprintf(defaultSystemPrompt, name)
	}

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.SystemMessage(system))
	messages = append(messages, req.History...)

	content := req.Message
	if req.PromptName != "" {
		tpl, ok := tn.Prompt(req.PromptName)
		if !ok {
			return nil, fmt.Errorf("prompt %q is not defined for tenant %s", req.PromptName, tn.ID)
		}
		content = renderTemplate(tpl, req.PromptArgs, req.Message)
	}
	for _, attachment := range req.Attachments {
		if strings.TrimSpace(attachment) == "" {
			continue
		}
		content += "\n\n--- attached content ---\n" + attachment
	}
	messages = append(messages, llm.UserMessage(content))
	return messages, nil
}

// renderTemplate substitutes {{name}} placeholders. The user's message is
// always available as {{question}}; unknown placeholders are left intact so
// a template typo is visible in the transcript instead of vanishing.
func renderTemplate(tpl string, args map[string]string, question string) string {
	pairs := make([]string, 0, 2*(len(args)+1))
	pairs = append(pairs, "{{question}}", question)
	for name, value := range args {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
