package fusion

import (
	"fmt"
	"sort"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

type instance struct {
	members []detection
	bbox    geometry.BBox
}

type cluster struct {
	canonical string // empty for position-keyed clusters
	typ       model.ComponentType
	instances []*instance
}

// group clusters detections by semantic identity: the canonical mark when
// one is known, otherwise type plus position. Spatially distinct members of
// one mark become separate instances of the same component.
func (e *Engine) group(dets []detection) []model.CanonicalComponent {
	ordered := append([]detection(nil), dets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].conf != ordered[j].conf {
			return ordered[i].conf > ordered[j].conf
		}
		if ordered[i].item.TileID != ordered[j].item.TileID {
			return ordered[i].item.TileID < ordered[j].item.TileID
		}
		return ordered[i].item.ID < ordered[j].item.ID
	})

	var clusters []*cluster
	for _, d := range ordered {
		c := e.findCluster(clusters, d)
		if c == nil {
			c = &cluster{typ: d.typ}
			if d.id != "" {
				c.canonical = e.matcher.Canonical(d.id)
			}
			clusters = append(clusters, c)
		}
		e.place(c, d)
	}

	out := make([]model.CanonicalComponent, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, e.build(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if model.TypeRank(a.Type) != model.TypeRank(b.Type) {
			return model.TypeRank(a.Type) < model.TypeRank(b.Type)
		}
		if a.ComponentID != b.ComponentID {
			return a.ComponentID < b.ComponentID
		}
		if a.Position.Y != b.Position.Y {
			return a.Position.Y < b.Position.Y
		}
		if a.Position.X != b.Position.X {
			return a.Position.X < b.Position.X
		}
		return a.Key < b.Key
	})
	return out
}

func (e *Engine) findCluster(clusters []*cluster, d detection) *cluster {
	for _, c := range clusters {
		if d.id != "" {
			if c.canonical != "" && e.matcher.Same(c.canonical, d.id) {
				return c
			}
			continue
		}
		if c.canonical == "" && c.typ == d.typ && e.nearInstance(c, d) != nil {
			return c
		}
	}
	return nil
}

func (e *Engine) place(c *cluster, d detection) {
	if inst := e.nearInstance(c, d); inst != nil {
		inst.members = append(inst.members, d)
		inst.bbox = inst.bbox.Union(d.item.BBox)
		return
	}
	c.instances = append(c.instances, &instance{members: []detection{d}, bbox: d.item.BBox})
}

func (e *Engine) nearInstance(c *cluster, d detection) *instance {
	for _, inst := range c.instances {
		if geometry.IoU(inst.bbox, d.item.BBox) >= e.cfg.InstanceIoU ||
			geometry.Distance(inst.bbox.Center(), d.item.BBox.Center()) <= e.cfg.PositionTolerance {
			return inst
		}
	}
	return nil
}

func (e *Engine) build(c *cluster) model.CanonicalComponent {
	sort.SliceStable(c.instances, func(i, j int) bool {
		a, b := c.instances[i].bbox, c.instances[j].bbox
		if a.Y1 != b.Y1 {
			return a.Y1 < b.Y1
		}
		return a.X1 < b.X1
	})

	comp := model.CanonicalComponent{Type: c.typ, ComponentID: c.canonical, VisionOnly: true, OCRDerived: true}
	raw := map[string]bool{}
	allSources := map[string]bool{}
	dimConf, matConf := -1.0, -1.0

	for _, inst := range c.instances {
		mi := model.Instance{BBox: inst.bbox}
		srcs := map[string]bool{}
		for _, m := range inst.members {
			if m.conf > mi.Confidence {
				mi.Confidence = m.conf
			}
			for _, s := range m.item.Sources() {
				srcs[s] = true
				allSources[s] = true
			}
			if m.id != "" {
				raw[m.id] = true
			}
			if m.dims != "" && m.conf > dimConf {
				comp.Dimensions, dimConf = m.dims, m.conf
			}
			if m.material != "" && m.conf > matConf {
				comp.Material, matConf = m.material, m.conf
			}
			if comp.Type == model.ComponentOther && m.typ != model.ComponentOther {
				comp.Type = m.typ
			}
			comp.CrossValidated = comp.CrossValidated || m.crossValidated
			comp.VisionOnly = comp.VisionOnly && m.visionOnly
			comp.OCRDerived = comp.OCRDerived && m.ocrDerived
			comp.Audit = append(comp.Audit, m.audit...)
		}
		mi.SourceTiles = sortedKeys(srcs)
		if mi.Confidence > comp.Confidence {
			comp.Confidence = mi.Confidence
		}
		comp.Instances = append(comp.Instances, mi)
	}

	first := comp.Instances[0]
	comp.BBox = first.BBox
	comp.Position = first.BBox.Center()
	comp.Quantity = len(comp.Instances)
	comp.SourceTiles = sortedKeys(allSources)
	comp.RawIDs = sortedKeys(raw)
	if c.canonical != "" {
		comp.Key = "id:" + c.canonical
	} else {
		comp.Key = fmt.Sprintf("pos:%s@%.0f,%.0f", comp.Type, comp.Position.X, comp.Position.Y)
	}
	comp.ID = e.componentID(comp.Key)
	return comp
}

func statistics(comps []model.CanonicalComponent, annotations, conflicts int) model.Statistics {
	st := model.Statistics{
		TotalComponents: len(comps),
		CountsByType:    map[model.ComponentType]int{},
		QuantityByID:    map[string]int{},
		Annotations:     annotations,
		Conflicts:       conflicts,
	}
	for _, c := range comps {
		st.CountsByType[c.Type] += c.Quantity
		st.TotalQuantity += c.Quantity
		if c.ComponentID != "" {
			st.QuantityByID[c.ComponentID] += c.Quantity
		}
		if c.CrossValidated {
			st.CrossValidated++
		}
		if c.VisionOnly {
			st.VisionOnly++
		}
	}
	return st
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
