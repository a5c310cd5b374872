package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one attempt against one candidate model. It is built fresh per attempt.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Stream      bool
	// UserID is the learner the call is made for; 0 when unknown.
	UserID uint64
}

// Provider answers a chat request either with a token stream or a complete text.
// The caller must Close a *Streamed result once it stops ranging over it.
type Provider interface {
	Chat(ctx context.Context, req Request) (Result, error)
}

// Candidate names one provider/model pair of the fallback list.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string {
	return c.Provider + "=" + c.Model
}
