package services

import "errors"

// ErrConversationNotFound is returned by the conversation stores when no conversation has the
// requested ID.
var ErrConversationNotFound = errors.New("conversation not found")
