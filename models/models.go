package models

import "time"

type Account struct {
	Username string
	Passhash string // digest, never the plaintext secret
}

type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Body      string
	Delivered bool
	CreatedAt time.Time
}
