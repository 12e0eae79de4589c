package tiles

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// Slice is an encoded tile image.
type Slice struct {
	TileID   string
	Data     []byte
	Format   string
	Reusable bool
}

// Cache holds encoded slices for a single run. Entries are write-once: the
// first writer for a tile id wins and later writers get the stored slice.
type Cache struct {
	entries sync.Map // tile id -> *Slice
	encoded atomic.Int64
	reused  atomic.Int64
}

func NewCache() *Cache {
	return &Cache{}
}

// Get returns the slice for a tile id.
func (c *Cache) Get(tileID string) (*Slice, bool) {
	v, ok := c.entries.Load(tileID)
	if !ok {
		return nil, false
	}
	return v.(*Slice), true
}

// PutIfAbsent stores s unless an entry exists; it returns the stored entry
// and whether s was the one stored.
func (c *Cache) PutIfAbsent(s *Slice) (*Slice, bool) {
	v, loaded := c.entries.LoadOrStore(s.TileID, s)
	return v.(*Slice), !loaded
}

// Len counts entries.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns how many slices were encoded and how many were reused.
func (c *Cache) Stats() (encoded, reused int64) {
	return c.encoded.Load(), c.reused.Load()
}

// Rasterizer produces tile slices from a decoded drawing, reusing cached
// slices flagged reusable.
type Rasterizer struct {
	src   image.Image
	cache *Cache
}

func NewRasterizer(src image.Image, cache *Cache) *Rasterizer {
	if cache == nil {
		cache = NewCache()
	}
	return &Rasterizer{src: src, cache: cache}
}

func (r *Rasterizer) Cache() *Cache { return r.cache }

// Slice returns the encoded image for t. A cached entry is only reused when
// its Reusable flag is set; otherwise the tile is re-rasterized and the
// fresh slice is offered to the cache.
func (r *Rasterizer) Slice(t model.TileSpec) (*Slice, bool, error) {
	if s, ok := r.cache.Get(t.ID); ok && s.Reusable && len(s.Data) > 0 {
		r.cache.reused.Add(1)
		return s, true, nil
	}

	data, err := EncodePNG(Crop(r.src, t))
	if err != nil {
		return nil, false, err
	}
	r.cache.encoded.Add(1)
	fresh := &Slice{TileID: t.ID, Data: data, Format: "png", Reusable: true}
	stored, _ := r.cache.PutIfAbsent(fresh)
	if !stored.Reusable {
		return fresh, false, nil
	}
	return stored, false, nil
}
