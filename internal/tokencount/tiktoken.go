package tokencount

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// ExactCounter serves the client-visible /v1/count_tokens operation: an
// exact BPE token count using the o200k_base encoding shared by the
// gpt-5.2-codex family, rather than the 4-chars-per-token heuristic Counter
// uses for internal accounting.
type ExactCounter struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewExactCounter creates an ExactCounter for the given tiktoken encoding
// name. The encoding's BPE ranks are loaded lazily on first use.
func NewExactCounter(encoding string) *ExactCounter {
	return &ExactCounter{encoding: encoding}
}

// init loads the tiktoken encoding, which may download its BPE rank file on
// first use.
func (c *ExactCounter) init() error {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("init tiktoken encoding %s: %w", c.encoding, err)
			return
		}
		c.enc = enc
	})
	return c.initErr
}

// CountAnthropicRequest returns the exact token count of an Anthropic
// Messages request body, mirroring EstimateAnthropicRequest's field walk
// but encoding text with the real BPE tokenizer instead of approximating.
func (c *ExactCounter) CountAnthropicRequest(body []byte) (int, error) {
	if err := c.init(); err != nil {
		return 0, err
	}

	total := 0
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		total += c.encodeLen(flattenText(sys))
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		total += 4
		total += c.encodeLen(msg.Get("role").String())
		total += c.encodeLen(flattenText(msg.Get("content")))
	}
	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		total += 4
		total += c.encodeLen(tool.Get("name").String())
		total += c.encodeLen(tool.Get("description").String())
	}
	total += 3
	return max(total, 1), nil
}

func (c *ExactCounter) encodeLen(s string) int {
	if s == "" {
		return 0
	}
	return len(c.enc.Encode(s, nil, nil))
}
