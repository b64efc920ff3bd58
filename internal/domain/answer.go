package domain

import "context"

// AnswerRequest is the JSON body posted to the answer service.
type AnswerRequest struct {
	Text    string `json:"text"`
	User    string `json:"user"`
	ChatID  string `json:"chat_id"`
	IsGroup bool   `json:"is_group"`
}

// Answerer turns a prompt into reply text. Implementations absorb their own
// failures and always return something sendable.
type Answerer interface {
	Ask(ctx context.Context, prompt string, rc RelayContext) string
}
