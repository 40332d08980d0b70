package tasks

import (
	"reflect"
	"testing"
)

func TestRingBufferAppendsInOrder(t *testing.T) {
	b := NewRingBuffer(5)
	b.Append("a")
	b.Append("b")
	b.Append("c")
	if got := b.Lines(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected lines: %v", got)
	}
}

func TestRingBufferDropsOldestAtCapacity(t *testing.T) {
	b := NewRingBuffer(2)
	b.Append("a")
	b.Append("b")
	b.Append("c")
	if got := b.Lines(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("expected oldest dropped, got %v", got)
	}
}

func TestRingBufferNonPositiveCapacityDefaults(t *testing.T) {
	b := NewRingBuffer(0)
	for i := 0; i < 250; i++ {
		b.Append("line")
	}
	if len(b.Lines()) != 200 {
		t.Fatalf("expected default capacity 200, got %d", len(b.Lines()))
	}
}

func TestRingBufferLinesReturnsACopy(t *testing.T) {
	b := NewRingBuffer(5)
	b.Append("a")
	got := b.Lines()
	got[0] = "mutated"
	if b.Lines()[0] != "a" {
		t.Fatal("expected Lines to return a defensive copy")
	}
}
