package geometry

import (
	"math"
	"testing"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", Rect(0, 0, 10, 10), Rect(0, 0, 10, 10), 1},
		{"disjoint", Rect(0, 0, 10, 10), Rect(20, 20, 5, 5), 0},
		{"half overlap", Rect(0, 0, 10, 10), Rect(5, 0, 10, 10), 50.0 / 150.0},
		{"touching edges", Rect(0, 0, 10, 10), Rect(10, 0, 10, 10), 0},
		{"empty box", BBox{}, Rect(0, 0, 10, 10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClipAndContains(t *testing.T) {
	b := BBox{X1: -5, Y1: 10, X2: 120, Y2: 30}.Clip(100, 100)
	if b != (BBox{X1: 0, Y1: 10, X2: 100, Y2: 30}) {
		t.Fatalf("Clip = %+v", b)
	}
	if !b.Contains(Point{X: 101, Y: 20}, 2) {
		t.Errorf("point within tolerance should be contained")
	}
	if b.Contains(Point{X: 105, Y: 20}, 2) {
		t.Errorf("point outside tolerance should not be contained")
	}
}

func TestContainmentAndValid(t *testing.T) {
	outer := Rect(0, 0, 100, 20)
	inner := Rect(10, 5, 20, 10)
	if got := Containment(outer, inner); got != 1 {
		t.Errorf("Containment = %v, want 1", got)
	}
	if (BBox{X1: 5, X2: 5, Y1: 0, Y2: 3}).Valid() {
		t.Errorf("zero-width box must be invalid")
	}
	if !(BBox{X1: 9, Y1: 9, X2: 1, Y2: 1}).Normalize().Valid() {
		t.Errorf("normalized box should be valid")
	}
}
