package ai

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
)

// Result is either *Streamed or Complete.
type Result interface {
	result()
}

// Streamed carries an incremental token sequence. Tokens may be ranged once.
type Streamed struct {
	Tokens iter.Seq2[string, error]
	body   io.Closer
}

func NewStreamed(tokens iter.Seq2[string, error], body io.Closer) *Streamed {
	return &Streamed{Tokens: tokens, body: body}
}

// Close releases the underlying response body.
func (s *Streamed) Close() error {
	if s == nil || s.body == nil {
		return nil
	}
	return s.body.Close()
}

// Complete is a non-streaming answer.
type Complete struct {
	Text string
}

func (*Streamed) result() {}
func (Complete) result()  {}

const doneSentinel = "[DONE]"

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// EventTokens reads an OpenAI-style event stream and yields every non-empty
// choices[0].delta.content. It stops at "data: [DONE]" or EOF. Lines that are
// not data lines or do not decode are skipped as keep-alives.
func EventTokens(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sc := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == doneSentinel {
				return
			}
			var decoded streamPayload
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				continue
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				yield("", errors.New(decoded.Error.Message))
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
		if err := sc.Err(); err != nil {
			yield("", err)
		}
	}
}
