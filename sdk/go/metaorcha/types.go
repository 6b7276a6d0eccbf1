package metaorcha

import "github.com/metaorcha/metaorcha/internal/model"

// Wire types shared with the server.
type (
	Event     = model.WorkflowEvent
	EventType = model.EventType
	Protocol  = model.Protocol
	Status    = model.RunStatus
)

const (
	EventLog       = model.EventLog
	EventCompleted = model.EventCompleted
	EventError     = model.EventError

	ProtocolMCP    = model.ProtocolMCP
	ProtocolA2A    = model.ProtocolA2A
	ProtocolSystem = model.ProtocolSystem

	StatusRunning   = model.RunStatusRunning
	StatusCompleted = model.RunStatusCompleted
	StatusError     = model.RunStatusError
)
