package model

import "testing"

func TestEngineAppendStreamDedup(t *testing.T) {
	e := &Engine{}
	e.AppendStream("s1")
	e.AppendStream("s2")
	e.AppendStream("s1")

	if got := e.Streams; len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("expected [s1 s2] with no duplicates, got %v", got)
	}
}

func TestEngineHasStream(t *testing.T) {
	e := &Engine{Streams: []string{"a", "b"}}
	if !e.HasStream("a") {
		t.Fatal("expected HasStream(a) to be true")
	}
	if e.HasStream("z") {
		t.Fatal("expected HasStream(z) to be false")
	}
}

func TestEngineRemoveStreamPreservesOrder(t *testing.T) {
	e := &Engine{Streams: []string{"a", "b", "c"}}
	e.RemoveStream("b")
	if got := e.Streams; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("expected [a c], got %v", got)
	}
}

func TestEngineRemoveStreamMissingIsNoop(t *testing.T) {
	e := &Engine{Streams: []string{"a"}}
	e.RemoveStream("missing")
	if len(e.Streams) != 1 || e.Streams[0] != "a" {
		t.Fatalf("expected unchanged [a], got %v", e.Streams)
	}
}

func TestEngineCloneIsDetached(t *testing.T) {
	e := &Engine{Labels: map[string]string{"k": "v"}, Streams: []string{"s1"}}
	c := e.Clone()

	c.Labels["k"] = "changed"
	c.Streams[0] = "mutated"

	if e.Labels["k"] != "v" {
		t.Fatalf("expected original Labels unaffected by clone mutation, got %v", e.Labels)
	}
	if e.Streams[0] != "s1" {
		t.Fatalf("expected original Streams unaffected by clone mutation, got %v", e.Streams)
	}
}

func TestEngineCloneNil(t *testing.T) {
	var e *Engine
	if e.Clone() != nil {
		t.Fatal("expected Clone of nil Engine to return nil")
	}
}

func TestStreamCloneDetachesEndedAt(t *testing.T) {
	s := &Stream{ID: "s1"}
	c := s.Clone()
	if c.EndedAt != nil {
		t.Fatalf("expected nil EndedAt to stay nil, got %v", c.EndedAt)
	}
}

func TestStreamCloneNil(t *testing.T) {
	var s *Stream
	if s.Clone() != nil {
		t.Fatal("expected Clone of nil Stream to return nil")
	}
}
