package service

import "github.com/damoang/bagtag-backend/internal/domain"

// ClassifyContext classifies a new message from sender given the thread's
// prior sender history (oldest first).
//
//   - initial:   sender has not written in this thread before
//   - follow-up: sender also wrote the previous message, or the other party never replied
//   - response:  the previous message came from the other party
func ClassifyContext(history []domain.Role, sender domain.Role) domain.MessageContext {
	senderWrote, otherWrote := false, false
	for _, r := range history {
		if r == sender {
			senderWrote = true
		} else {
			otherWrote = true
		}
	}

	if !senderWrote {
		return domain.ContextInitial
	}
	if !otherWrote || history[len(history)-1] == sender {
		return domain.ContextFollowUp
	}
	return domain.ContextResponse
}
