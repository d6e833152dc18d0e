package session

import "sync"

// DirectoryView is a value snapshot of the session directory.
type DirectoryView struct {
	Active   []SessionInfo
	Archived []SessionInfo
	Version  uint64
}

// Directory tracks the global session lists fed by the directory channel.
// Active sessions are replaced wholesale by each update frame; archived
// sessions are seeded once over the request path and preserved across
// updates, since the stream never re-sends them.
type Directory struct {
	mu       sync.Mutex
	active   []SessionInfo
	archived []SessionInfo
	version  uint64
	logger   Logger
}

func NewDirectory(logger Logger) *Directory {
	return &Directory{logger: logger}
}

// HandleFrame is the directory channel's frame handler.
func (d *Directory) HandleFrame(frame []byte) {
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("directory stream: dropping frame: %v", err)
		}
		return
	}
	d.Apply(envelope)
}

func (d *Directory) Apply(envelope Envelope) {
	switch envelope.Type {
	case EventSessionsUpdate:
		d.ReplaceActive(envelope.Active)
	case EventKeepalive, EventConnected:
	default:
		if d.logger != nil {
			d.logger.Printf("directory stream: ignoring %q event", envelope.Type)
		}
	}
}

// ReplaceActive swaps the active list for the one just received.
func (d *Directory) ReplaceActive(active []SessionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = append([]SessionInfo(nil), active...)
	d.version++
}

// SeedArchived installs the archived list fetched at startup.
func (d *Directory) SeedArchived(archived []SessionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.archived = append([]SessionInfo(nil), archived...)
	d.version++
}

func (d *Directory) Snapshot() DirectoryView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DirectoryView{
		Active:   append([]SessionInfo(nil), d.active...),
		Archived: append([]SessionInfo(nil), d.archived...),
		Version:  d.version,
	}
}
