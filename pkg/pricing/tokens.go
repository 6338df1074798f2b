package pricing

import "unicode/utf8"

const (
	runesPerToken        = 4
	perMessageOverhead   = 4
	perConversationExtra = 3
)

// Message is the minimal view of a chat message needed for estimation.
type Message struct {
	Role    string
	Content string
}

// EstimateMessageTokens approximates the prompt size of messages without a network call.
func EstimateMessageTokens(messages []Message) int64 {
	if len(messages) == 0 {
		return 0
	}
	var total int64 = perConversationExtra
	for _, message := range messages {
		total += perMessageOverhead
		total += estimateTextTokens(message.Role)
		total += estimateTextTokens(message.Content)
	}
	return total
}

func estimateTextTokens(text string) int64 {
	runes := int64(utf8.RuneCountInString(text))
	if runes == 0 {
		return 0
	}
	return (runes + runesPerToken - 1) / runesPerToken
}
