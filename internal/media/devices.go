package media

import (
	"fmt"
	"sync"

	"carecall/native/internal/domain"
)

// Kind aliases domain.TrackKind for driver implementations.
type Kind = domain.TrackKind

// Devices records which session holds each exclusive capture device.
// One instance is shared by every Source in the process.
type Devices struct {
	mu     sync.Mutex
	owners map[Kind]domain.SessionID
}

// NewDevices returns an empty registry.
func NewDevices() *Devices {
	return &Devices{owners: make(map[Kind]domain.SessionID)}
}

func exclusive(kind Kind) bool {
	return kind == domain.KindAudio || kind == domain.KindVideo
}

func (d *Devices) claim(kind Kind, owner domain.SessionID) error {
	if !exclusive(kind) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.owners[kind]; ok && cur != owner {
		return domain.NewError(domain.KindDeviceBusy, fmt.Sprintf("%s held by session %s", kind, cur), nil)
	}
	d.owners[kind] = owner
	return nil
}

func (d *Devices) free(kind Kind, owner domain.SessionID) {
	if !exclusive(kind) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owners[kind] == owner {
		delete(d.owners, kind)
	}
}

// Owner reports which session holds kind.
func (d *Devices) Owner(kind Kind) (domain.SessionID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.owners[kind]
	return s, ok
}
