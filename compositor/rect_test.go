package compositor

import (
	"reflect"
	"testing"
)

func TestSubtractNoOverlapReturnsOriginal(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 10, H: 10}
	b := Rect{X: 20, Y: 20, W: 5, H: 5}
	got := Subtract(a, b)
	if len(got) != 1 || got[0] != a {
		t.Fatalf("expected a unchanged, got %+v", got)
	}
}

func TestSubtractCompletelyCoveredReturnsNothing(t *testing.T) {
	a := Rect{X: 5, Y: 5, W: 10, H: 10}
	b := Rect{X: 0, Y: 0, W: 100, H: 100}
	got := Subtract(a, b)
	if len(got) != 0 {
		t.Fatalf("expected no remaining pieces, got %+v", got)
	}
}

func TestSubtractCenteredHoleYieldsFourBorders(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 30, H: 30}
	b := Rect{X: 10, Y: 10, W: 10, H: 10}
	got := Subtract(a, b)
	if len(got) != 4 {
		t.Fatalf("expected 4 border pieces, got %d: %+v", len(got), got)
	}
	area := 0
	for _, r := range got {
		area += r.W * r.H
	}
	if area != 30*30-10*10 {
		t.Fatalf("expected border area %d, got %d", 30*30-10*10, area)
	}
}

func TestMergeRectsHorizontalAdjacent(t *testing.T) {
	rects := []Rect{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 10, Y: 0, W: 10, H: 10},
	}
	got := MergeRects(rects)
	want := []Rect{{X: 0, Y: 0, W: 20, H: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMergeRectsVerticalAdjacent(t *testing.T) {
	rects := []Rect{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 0, Y: 10, W: 10, H: 10},
	}
	got := MergeRects(rects)
	want := []Rect{{X: 0, Y: 0, W: 10, H: 20}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMergeRectsNonAdjacentUnchanged(t *testing.T) {
	rects := []Rect{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 50, Y: 50, W: 10, H: 10},
	}
	got := MergeRects(rects)
	if len(got) != 2 {
		t.Fatalf("expected no merge across non-adjacent rects, got %+v", got)
	}
}

func TestSplitProblematicRectsHalvesTallBlocks(t *testing.T) {
	rects := []Rect{{X: 0, Y: 0, W: 10, H: 65}}
	got := SplitProblematicRects(rects, 1.0)
	if len(got) != 2 {
		t.Fatalf("expected the problematic rect to split in two, got %+v", got)
	}
	total := got[0].H + got[1].H
	if total != 65 {
		t.Fatalf("expected split halves to sum back to 65, got %d", total)
	}
}

func TestSplitProblematicRectsLeavesNormalRectsAlone(t *testing.T) {
	rects := []Rect{{X: 0, Y: 0, W: 10, H: 64}}
	got := SplitProblematicRects(rects, 1.0)
	if len(got) != 1 || got[0].H != 64 {
		t.Fatalf("expected a non-problematic rect untouched, got %+v", got)
	}
}
