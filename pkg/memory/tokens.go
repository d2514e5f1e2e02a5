package memory

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/forgecli/forge/pkg/protocol"
)

// DefaultEncoding is used when the configured encoding key is unknown.
const DefaultEncoding = "cl100k_base"

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// TokenCounter counts tokens under a byte-pair encoding. The count is an
// estimate for window bounding, not a contract with the provider; slight
// overestimation is preferred to underestimation.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter resolves a counter for the given encoding key, falling
// back to the default encoding when the key is unknown and to a chars/4
// estimate when no encoding can be loaded at all.
func NewTokenCounter(encodingKey string) *TokenCounter {
	cacheMu.RLock()
	cached, exists := encodingCache[encodingKey]
	cacheMu.RUnlock()
	if exists {
		return &TokenCounter{encoding: cached}
	}

	encoding, err := tiktoken.GetEncoding(encodingKey)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return &TokenCounter{}
		}
	}

	cacheMu.Lock()
	encodingCache[encodingKey] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts a message's content plus its serialized tool calls.
func (tc *TokenCounter) CountMessage(msg protocol.Message) int {
	total := tc.Count(msg.Content)
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			total += tc.Count(string(data))
		}
	}
	return total
}
