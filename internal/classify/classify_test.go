package classify

import (
	"reflect"
	"testing"

	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
)

func TestClassify(t *testing.T) {
	c := New(nil)
	tests := []struct {
		text  string
		cat   Category
		value string
	}{
		{"KZ1", CategoryComponentID, "KZ1"},
		{"kz-1", CategoryComponentID, "KZ1"},
		{"K21", CategoryComponentID, "KZ1"},
		{"Q3", CategoryComponentID, "Q3"},
		{"Q235B", CategoryMaterial, "Q235B"},
		{"C30", CategoryMaterial, "C30"},
		{"HRB400E", CategoryMaterial, "HRB400E"},
		{"600×600", CategoryDimension, "600x600"},
		{"300 * 700", CategoryDimension, "300x700"},
		{"b×h=250×500", CategoryDimension, "250x500"},
		{"h=120", CategoryDimension, "h=120"},
		{"A", CategoryAxisLabel, "A"},
		{"12", CategoryAxisLabel, "12"},
		{"1/A", CategoryAxisLabel, "1/A"},
		{"说明", CategoryOther, "说明"},
		{"  ", CategoryOther, ""},
	}
	for _, tt := range tests {
		cat, v := c.Classify(tt.text)
		if cat != tt.cat || v != tt.value {
			t.Errorf("Classify(%q) = %s %q, want %s %q", tt.text, cat, v, tt.cat, tt.value)
		}
	}
}

func TestBuildHints(t *testing.T) {
	c := New(nil)
	items := []model.TileItem{
		{Text: "KZ2"}, {Text: "KZ1"}, {Text: "KZ-1"}, {Text: "600x600"}, {Text: "C30"}, {Text: "B"}, {Text: "notes"},
	}
	got := c.BuildHints(items)
	want := recognition.Hints{
		ComponentIDs: []string{"KZ1", "KZ2"},
		Dimensions:   []string{"600x600"},
		Materials:    []string{"C30"},
		AxisLabels:   []string{"B"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildHints = %+v, want %+v", got, want)
	}
}
