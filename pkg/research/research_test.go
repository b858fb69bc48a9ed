package research_test

import (
	"context"
	"testing"
	"time"

	"github.com/nocturnehq/confidant/pkg/kv"
	"github.com/nocturnehq/confidant/pkg/research"
)

func TestSearchNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := research.NewStore(kv.NewMemory(nil))

	base := time.Unix(0, 1_000_000)
	for i, content := range []string{"first finding", "second finding", "third finding"} {
		if err := s.Save(ctx, "dinosaurs", content, "", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	notes, err := s.Search(ctx, "dinosaurs", "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("got %d notes, want 3", len(notes))
	}
	want := []string{"third finding", "second finding", "first finding"}
	for i, w := range want {
		if notes[i].Content != w {
			t.Fatalf("notes[%d].Content = %q, want %q", i, notes[i].Content, w)
		}
		if notes[i].Topic != "dinosaurs" {
			t.Fatalf("notes[%d].Topic = %q", i, notes[i].Topic)
		}
	}
}

func TestSearchScope(t *testing.T) {
	ctx := context.Background()
	s := research.NewStore(kv.NewMemory(nil))

	now := time.Unix(0, 1_000_000)
	if err := s.Save(ctx, "volcanoes", "shared note", "", now); err != nil {
		t.Fatalf("Save shared: %v", err)
	}
	if err := s.Save(ctx, "volcanoes", "sam's note", "u1", now.Add(time.Second)); err != nil {
		t.Fatalf("Save scoped: %v", err)
	}

	// Scoped search sees only the user's notes.
	notes, err := s.Search(ctx, "volcanoes", "u1")
	if err != nil {
		t.Fatalf("Search scoped: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "sam's note" {
		t.Fatalf("scoped notes = %+v", notes)
	}

	// Unscoped search sees everything on the topic.
	notes, err = s.Search(ctx, "volcanoes", "")
	if err != nil {
		t.Fatalf("Search unscoped: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("unscoped returned %d notes, want 2", len(notes))
	}

	// Topic prefixes do not bleed into each other.
	if err := s.Save(ctx, "volcanoes-iceland", "other topic", "", now); err != nil {
		t.Fatalf("Save other topic: %v", err)
	}
	notes, err = s.Search(ctx, "volcanoes", "")
	if err != nil {
		t.Fatalf("Search after sibling topic: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("topic bled into sibling: %d notes", len(notes))
	}
}

func TestSaveValidation(t *testing.T) {
	ctx := context.Background()
	s := research.NewStore(kv.NewMemory(nil))

	if err := s.Save(ctx, "", "content", "", time.Time{}); err == nil {
		t.Fatal("Save accepted empty topic")
	}
	if err := s.Save(ctx, "topic", "", "", time.Time{}); err == nil {
		t.Fatal("Save accepted empty content")
	}
	if _, err := s.Search(ctx, "", ""); err == nil {
		t.Fatal("Search accepted empty topic")
	}
}

func TestDeleteUserKeepsSharedNotes(t *testing.T) {
	ctx := context.Background()
	s := research.NewStore(kv.NewMemory(nil))

	now := time.Unix(0, 1_000_000)
	if err := s.Save(ctx, "dinosaurs", "shared note", "", now); err != nil {
		t.Fatalf("Save shared: %v", err)
	}
	if err := s.Save(ctx, "dinosaurs", "sam's note", "u1", now.Add(time.Second)); err != nil {
		t.Fatalf("Save scoped: %v", err)
	}
	if err := s.Save(ctx, "volcanoes", "sam's other note", "u1", now); err != nil {
		t.Fatalf("Save second topic: %v", err)
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	notes, err := s.Search(ctx, "dinosaurs", "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "shared note" {
		t.Fatalf("dinosaurs notes after delete = %+v", notes)
	}
	notes, err = s.Search(ctx, "volcanoes", "")
	if err != nil {
		t.Fatalf("Search volcanoes: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("volcanoes notes after delete = %+v", notes)
	}

	// Deleting a user with no notes is a no-op.
	if err := s.DeleteUser(ctx, "u2"); err != nil {
		t.Fatalf("DeleteUser no-op: %v", err)
	}
}
