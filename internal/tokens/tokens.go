// Package tokens counts tokens for turns sent to and received from the
// completion provider.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

// Token overhead per chat message: 3 for message framing plus 1 for the role.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Counter counts tokens using tiktoken, falling back to a character-based
// estimate when no codec can be loaded.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]tokenizer.Codec
	// CharsPerToken is used by the fallback estimate.
	CharsPerToken float64
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{
		cache:         make(map[string]tokenizer.Codec),
		CharsPerToken: 4.0,
	}
}

// CountText returns the number of tokens in text for model.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	codec := c.codec(model)
	if codec == nil {
		return c.estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.estimate(text)
	}
	return len(ids)
}

// CountMessages returns the prompt size of msgs, including per-message
// framing and the assistant priming tokens.
func (c *Counter) CountMessages(model string, msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(model, m.Content)
	}
	return total + assistantPriming
}

func (c *Counter) estimate(text string) int {
	n := int(float64(len(text))/c.CharsPerToken + 0.5)
	if n == 0 {
		n = 1
	}
	return n
}

func (c *Counter) codec(model string) tokenizer.Codec {
	name := baseModel(model)

	c.mu.RLock()
	if cached, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	codec, err := tokenizer.ForModel(tokenizer.Model(name))
	if err != nil {
		codec, err = tokenizer.Get(encodingFor(name))
		if err != nil {
			return nil
		}
	}

	c.mu.Lock()
	c.cache[name] = codec
	c.mu.Unlock()

	return codec
}

// baseModel strips a routing prefix such as "openai/" from model.
func baseModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return model
}

// encodingFor maps model names to encoding names when the tokenizer does not
// recognize the model directly.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O-series and unknown models
// - Cl100kBase: GPT-4, GPT-3.5-turbo
func encodingFor(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
