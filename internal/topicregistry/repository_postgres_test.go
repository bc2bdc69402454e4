package topicregistry

import "testing"

func TestNewGroupEntity_AppliesDefaults(t *testing.T) {
	g := newGroupEntity("topic-1", NewGroup{Name: "billing"})

	if g.TopicID != "topic-1" {
		t.Errorf("TopicID = %q, want %q", g.TopicID, "topic-1")
	}
	if g.Name != "billing" {
		t.Errorf("Name = %q, want %q", g.Name, "billing")
	}
	if !g.Active {
		t.Error("expected newly registered group to be active")
	}
	if g.AckTimeoutMinutes != DefaultAckTimeoutMinutes {
		t.Errorf("AckTimeoutMinutes = %d, want default %d", g.AckTimeoutMinutes, DefaultAckTimeoutMinutes)
	}
	if g.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", g.MaxRetries, DefaultMaxRetries)
	}
	if g.ID == "" {
		t.Error("expected a generated ID")
	}
}

func TestNewGroupEntity_PreservesExplicitOverrides(t *testing.T) {
	g := newGroupEntity("topic-1", NewGroup{
		Name:              "fraud",
		RequiresAck:       true,
		AckTimeoutMinutes: 30,
		MaxRetries:        -1,
	})

	if g.AckTimeoutMinutes != 30 {
		t.Errorf("AckTimeoutMinutes = %d, want 30", g.AckTimeoutMinutes)
	}
	if g.MaxRetries != -1 {
		t.Errorf("MaxRetries = %d, want -1 (unbounded)", g.MaxRetries)
	}
	if !g.RequiresAck {
		t.Error("expected RequiresAck to be preserved")
	}
}
