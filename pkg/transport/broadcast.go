package transport

import (
	"fmt"

	"github.com/nainya/scoresync/pkg/protocol"
)

// BroadcastUpdate asks the server to relay data to the other subscribers of
// event. It only fails when data cannot be encoded.
func (t *Transport) BroadcastUpdate(event string, data any) error {
	raw, err := protocol.RawData(data)
	if err != nil {
		return fmt.Errorf("transport: broadcast %s: %w", event, err)
	}
	return t.Send(&protocol.Broadcast{Event: event, Data: raw})
}

// ResolveConflict sends a conflict resolution to the server
func (t *Transport) ResolveConflict(conflictID string, resolution any) error {
	raw, err := protocol.RawData(resolution)
	if err != nil {
		return fmt.Errorf("transport: resolution for %s: %w", conflictID, err)
	}
	return t.Send(&protocol.ResolveConflict{ConflictID: conflictID, Resolution: raw})
}
