package tokencount

import "testing"

func TestExactCounter_CountAnthropicRequest(t *testing.T) {
	t.Parallel()
	c := NewExactCounter("o200k_base")

	got, err := c.CountAnthropicRequest([]byte(`{
		"system": "You are a helpful assistant.",
		"messages": [
			{"role": "user", "content": "What is the capital of France?"}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if got < 5 || got > 60 {
		t.Errorf("CountAnthropicRequest() = %d, want a small positive count", got)
	}
}

func TestExactCounter_EmptyRequest(t *testing.T) {
	t.Parallel()
	c := NewExactCounter("o200k_base")

	got, err := c.CountAnthropicRequest([]byte(`{"messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if got < 1 {
		t.Errorf("CountAnthropicRequest(empty) = %d, want >= 1", got)
	}
}

func TestExactCounter_ReusesEncoding(t *testing.T) {
	t.Parallel()
	c := NewExactCounter("o200k_base")

	body := []byte(`{"messages":[{"role":"user","content":"hello"}]}`)
	first, err := c.CountAnthropicRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.CountAnthropicRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("counts differ across calls: %d != %d", first, second)
	}
}
