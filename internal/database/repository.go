package database

import (
	"context"
	"errors"
	"time"
)

var ErrAccountNotFound = errors.New("account not found")

// Repository is the relational store the realtime core consults. It is the
// source of truth for accounts, conversation participants, follows and message
// history; nothing here is cached by the core.
type Repository interface {
	Ping(ctx context.Context) error
	GetActiveAccount(ctx context.Context, accountId string) (Account, error)
	IsConversationParticipant(ctx context.Context, accountId, conversationId string) (bool, error)
	ListConversationParticipants(ctx context.Context, conversationId string) ([]string, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	MarkMessageRead(ctx context.Context, params MarkReadParams) (bool, error)
	TouchLastActive(ctx context.Context, accountId string, at time.Time) error
	ListFollowerIds(ctx context.Context, accountId string) ([]string, error)
}
