package models

import (
	"time"
)

// Session identifies one browser conversation. A session only lives as long as the page that
// opened it; the record is kept for the transcript archive.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// Message is one entry of a session transcript. Messages are immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is a citation fragment attached to a bot answer. File is empty when the answering
// service did not report where the fragment came from.
type Source struct {
	Content string `json:"content"`
	File    string `json:"file,omitempty"`
}

// Sender tells who produced a message.
type Sender string

const (
	// SenderUser marks text typed by the user.
	SenderUser Sender = "user"
	// SenderBot marks answers and failure notices produced in response to a user message.
	SenderBot Sender = "bot"
)

// QueryRequest is the body posted to the answering service.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is the body returned by the answering service. Both fields may be absent.
type QueryResponse struct {
	Answer  string   `json:"answer,omitempty"`
	Sources []Source `json:"sources,omitempty"`
}

// IngestResponse is the body returned by the ingestion trigger of the answering service.
type IngestResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}
