package bots

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestParseMentions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []Mention
	}{
		{
			name:    "command with params",
			content: "@editorial decide decision=accept",
			want:    []Mention{{Token: "editorial", Command: "decide", Params: map[string]string{"decision": "accept"}}},
		},
		{
			name:    "quoted value",
			content: `please @editorial propose decision=revise note="tighten section 3" now`,
			want: []Mention{{
				Token:   "editorial",
				Command: "propose",
				Params:  map[string]string{"decision": "revise", "note": "tighten section 3"},
				Args:    []string{"now"},
			}},
		},
		{
			name:    "bare mention",
			content: "thanks @plagiarism",
			want:    []Mention{{Token: "plagiarism", Params: map[string]string{}}},
		},
		{
			name:    "two mentions on one line",
			content: "@editorial status @plagiarism check threshold=0.2",
			want: []Mention{
				{Token: "editorial", Command: "status", Params: map[string]string{}},
				{Token: "plagiarism", Command: "check", Params: map[string]string{"threshold": "0.2"}},
			},
		},
		{
			name:    "punctuation",
			content: "@editorial, status.",
			want:    []Mention{{Token: "editorial", Command: "status", Params: map[string]string{}}},
		},
		{
			name:    "email address is not a mention",
			content: "write to ada@example.org",
			want:    nil,
		},
		{
			name:    "mentions on separate lines",
			content: "@editorial status\nsee also @editorial help",
			want: []Mention{
				{Token: "editorial", Command: "status", Params: map[string]string{}},
				{Token: "editorial", Command: "help", Params: map[string]string{}},
			},
		},
		{
			name:    "lone at sign",
			content: "meet @ noon",
			want:    nil,
		},
		{
			name:    "accented token",
			content: "merci @été résumé",
			want:    []Mention{{Token: "été", Command: "résumé", Params: map[string]string{}}},
		},
		{
			name:    "after ideographic space",
			content: "見て\u3000@編集 status",
			want:    []Mention{{Token: "編集", Command: "status", Params: map[string]string{}}},
		},
		{
			name:    "accented address is not a mention",
			content: "écrire à josé@exemple.fr",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMentions(tt.content)
			assert.Equal(t, tt.want, got)
			for _, m := range got {
				assert.True(t, utf8.ValidString(m.Token), "token %q", m.Token)
			}
		})
	}
}
