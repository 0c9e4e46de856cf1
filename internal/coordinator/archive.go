package coordinator

import (
	"context"
	"time"

	"medilink-signal/internal/domain/call"
)

// Summary describes a finished call for archival.
type Summary struct {
	CallID         string             `json:"callId"`
	UserID         string             `json:"userId"`
	Role           Role               `json:"role"`
	Type           call.Type          `json:"type"`
	FinalState     State              `json:"finalState"`
	Reason         string             `json:"reason,omitempty"`
	DurationSec    int                `json:"durationSec"`
	QualitySamples map[Quality]int    `json:"qualitySamples"`
	Messages       []call.ChatMessage `json:"messages"`
	EndedAt        time.Time          `json:"endedAt"`
}

type Archiver interface {
	ArchiveCall(ctx context.Context, s Summary) error
}

const archiveTimeout = 15 * time.Second
