package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/stage"
)

// SchemaVersion is written into every persisted snapshot. Version 0 marks a
// record saved before versioning existed and is upgraded on read.
const SchemaVersion = 1

// ErrSchemaVersion is returned by Load for snapshots written by a newer release.
var ErrSchemaVersion = errors.New("unsupported snapshot schema version")

// Snapshot is the single persisted record of a profile.
type Snapshot struct {
	Version   int             `json:"version"`
	SessionID string          `json:"session_id"`
	Campaign  models.Campaign `json:"campaign"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Store persists the active session and its campaign snapshot. Save replaces
// the prior record wholesale; Load returns nil, nil when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, sessionID string, campaign models.Campaign) error
	Clear(ctx context.Context) error
	Close() error
}

// AuditLog records applied transitions. Backends that keep history implement it.
type AuditLog interface {
	AppendEvent(ctx context.Context, sessionID, event, detail string) error
}

// History reads back audit rows.
type History interface {
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)
}

// Event is one audit row.
type Event struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	Recorded  time.Time `json:"recorded_at"`
}

func encode(sessionID string, c models.Campaign) ([]byte, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	raw, err := json.Marshal(Snapshot{
		Version:   SchemaVersion,
		SessionID: sessionID,
		Campaign:  c,
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrSchemaVersion, snap.Version, SchemaVersion)
	}
	if snap.Version == 0 {
		snap.Version = SchemaVersion
		if snap.SessionID == "" {
			snap.SessionID = snap.Campaign.ID
		}
	}
	if snap.Campaign.ID == "" {
		snap.Campaign.ID = snap.SessionID
	}
	if err := stage.Check(snap.Campaign); err != nil {
		return nil, fmt.Errorf("recovered campaign: %w", err)
	}
	return &snap, nil
}
