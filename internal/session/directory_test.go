package session

import "testing"

func TestDirectoryReplacesActivePreservesArchived(t *testing.T) {
	d := NewDirectory(nil)
	d.SeedArchived([]SessionInfo{{SessionID: "old", IsArchived: true}})

	d.HandleFrame([]byte(`{
		"type": "sessions_update",
		"active": [
			{"session_id": "s1", "participant_count": 2},
			{"session_id": "s2", "participant_count": 1}
		]
	}`))
	d.HandleFrame([]byte(`{
		"type": "sessions_update",
		"active": [{"session_id": "s2", "participant_count": 3}]
	}`))

	view := d.Snapshot()
	if len(view.Active) != 1 || view.Active[0].SessionID != "s2" || view.Active[0].ParticipantCount != 3 {
		t.Fatalf("active = %+v, want the latest list only", view.Active)
	}
	if len(view.Archived) != 1 || view.Archived[0].SessionID != "old" {
		t.Fatalf("archived = %+v, want preserved across updates", view.Archived)
	}
}

func TestDirectoryDropsBadFrames(t *testing.T) {
	d := NewDirectory(nil)
	d.ReplaceActive([]SessionInfo{{SessionID: "s1"}})
	before := d.Snapshot()

	d.HandleFrame([]byte(`not json`))
	d.HandleFrame([]byte(`{"type": "telemetry"}`))
	d.HandleFrame([]byte(`{"type": "keepalive"}`))

	after := d.Snapshot()
	if after.Version != before.Version {
		t.Fatalf("version moved %d -> %d on dropped frames", before.Version, after.Version)
	}
	if len(after.Active) != 1 {
		t.Fatalf("active = %+v", after.Active)
	}
}

func TestDirectoryEmptyUpdateClearsActive(t *testing.T) {
	d := NewDirectory(nil)
	d.ReplaceActive([]SessionInfo{{SessionID: "s1"}})
	d.HandleFrame([]byte(`{"type": "sessions_update", "active": []}`))
	if view := d.Snapshot(); len(view.Active) != 0 {
		t.Fatalf("active = %+v, want cleared", view.Active)
	}
}
