package turn

import "strings"

var cannedReplies = struct {
	greeting, tellMore, proposal string
}{
	greeting: "こんにちは！お忙しい中お時間をいただき、ありがとうございます。どのようなご相談でしょうか？",
	tellMore: "なるほど、興味深いですね。詳しく教えていただけますか？",
	proposal: "とても良い提案だと思います。具体的にはどのような内容でしょうか？",
}

// CannedReply returns the fixed customer reply used when no language model is
// available. The choice depends only on keywords in message.
func CannedReply(message string) string {
	switch {
	case strings.Contains(message, "こんにちは"), strings.Contains(message, "はじめまして"):
		return cannedReplies.greeting
	case strings.Contains(message, "質問"), strings.Contains(message, "教えて"):
		return cannedReplies.tellMore
	case strings.Contains(message, "提案"), strings.Contains(message, "サービス"):
		return cannedReplies.proposal
	default:
		return cannedReplies.tellMore
	}
}
