// Package tokencount provides token estimation for usage recording when the
// upstream does not report usage. Uses a character-based heuristic (~4 chars
// per token for English), which is sufficient for metering. Can be replaced
// with tiktoken for exact counts if needed.
package tokencount

import relay "github.com/veylan/relay/internal"

// EstimateRequest estimates the input token count for a model request:
// system prompt plus user message plus per-message overhead.
func EstimateRequest(req *relay.ModelRequest) int {
	total := estimateTokens(req.SystemPrompt) + estimateTokens(req.UserMessage)
	total += 8 // role and formatting overhead for two messages
	if req.ImageBase64 != "" {
		// Flat charge for one attached image; providers bill tiles, this is
		// only for local metering.
		total += 850
	}
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}
