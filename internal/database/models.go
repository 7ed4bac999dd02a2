package database

import "time"

type Account struct {
	Id             string
	Username       string
	FirstName      string
	LastName       string
	ProfilePicture string
	IsActive       bool
	LastActiveAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       string
	Content        string
	MediaUrl       string
	MediaType      string
	IsRead         bool
	CreatedAt      time.Time
}

type CreateMessageParams struct {
	ConversationId string
	SenderId       string
	Content        string
	MediaUrl       string
	MediaType      string
}

type MarkReadParams struct {
	MessageId      string
	ConversationId string
	ReaderId       string
}
