// Package transcript projects the working log into display entries.
package transcript

import "github.com/nstogner/sandboxchat/pkg/domain"

// Project maps the log segment of one turn to transcript entries. The user
// entry carries the input text. The assistant entry carries, in log order,
// the text of each assistant message, a code part for every tool call with a
// string "code" argument and the content of terminal tool results.
// Non-terminal tool results are only fed to the model and are not shown.
func Project(segment []domain.Message) []domain.TranscriptEntry {
	var entries []domain.TranscriptEntry
	appendPart := func(role domain.Role, part domain.TranscriptPart) {
		if n := len(entries); n > 0 && entries[n-1].Role == role {
			entries[n-1].Parts = append(entries[n-1].Parts, part)
			return
		}
		entries = append(entries, domain.TranscriptEntry{Role: role, Parts: []domain.TranscriptPart{part}})
	}

	for _, msg := range segment {
		switch m := msg.(type) {
		case domain.UserMessage:
			for _, p := range m.Parts {
				if p.Type == domain.ContentTypeText && p.Text != "" {
					appendPart(domain.RoleUser, text(p.Text))
				}
			}
		case domain.AssistantMessage:
			for _, p := range m.Parts {
				if p.Type == domain.ContentTypeText && p.Text != "" {
					appendPart(domain.RoleAssistant, text(p.Text))
				}
			}
			for _, tc := range m.ToolCalls {
				if code, ok := tc.Arguments["code"].(string); ok && code != "" {
					appendPart(domain.RoleAssistant, domain.TranscriptPart{Kind: domain.PartKindCode, Value: code})
				}
			}
		case domain.ToolMessage:
			if m.Terminal && m.Content != "" {
				appendPart(domain.RoleAssistant, text(m.Content))
			}
		}
	}
	return entries
}

func text(s string) domain.TranscriptPart {
	return domain.TranscriptPart{Kind: domain.PartKindText, Value: s}
}
