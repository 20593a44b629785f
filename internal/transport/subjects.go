package transport

import "fmt"

const (
	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	// PresenceSubject carries roster deltas.
	PresenceSubject = "presence"

	SendMessageSubject       = "rpc.message.send"
	ListMessagesSubject      = "rpc.message.list"
	ListConversationsSubject = "rpc.conversation.list"
	JoinConversationSubject  = "rpc.conversation.join"
	PresenceSnapshotSubject  = "rpc.presence.snapshot"
)

// MessageSubject returns the subject carrying new_message pushes for a conversation.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

// TypingSubject returns the subject carrying user_typing events for a conversation.
func TypingSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.typing", SubjectPrefix, conversationID)
}

// UpdatedSubject returns the subject carrying conversation_updated events.
func UpdatedSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.updated", SubjectPrefix, conversationID)
}

// ConversationFilter returns a wildcard matching every conversation's updates.
func ConversationFilter() string {
	return fmt.Sprintf("%s.*.updated", SubjectPrefix)
}

// Match reports whether subject matches pattern using NATS token rules:
// "*" matches one token and a trailing ">" matches one or more.
func Match(pattern, subject string) bool {
	p := splitTokens(pattern)
	s := splitTokens(subject)
	for i, tok := range p {
		if tok == ">" {
			return i == len(p)-1 && len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}

func splitTokens(subject string) []string {
	var out []string
	start := 0
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			out = append(out, subject[start:i])
			start = i + 1
		}
	}
	return append(out, subject[start:])
}
