package render

import (
	"sort"
)

// TileLists maps each screen tile to the depth-sorted Gaussians whose
// bounding squares overlap it, in CSR form: the Gaussians of tile t
// are Items[Offsets[t]:Offsets[t+1]], ordered front to back.
type TileLists struct {
	TilesX  int
	TilesY  int
	Offsets []int
	Items   []int32
}

// tileRange returns the clamped half-open tile span covered by a splat
// centered at (mx, my) with the given pixel radius.
func tileRange(mx, my, radius float64, ts, tilesX, tilesY int) (x0, y0, x1, y1 int) {
	x0 = int((mx - radius) / float64(ts))
	y0 = int((my - radius) / float64(ts))
	x1 = int((mx+radius)/float64(ts)) + 1
	y1 = int((my+radius)/float64(ts)) + 1
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > tilesX {
		x1 = tilesX
	}
	if y1 > tilesY {
		y1 = tilesY
	}
	return x0, y0, x1, y1
}

// BuildTileLists assigns every surviving splat to the tiles its
// bounding square overlaps and sorts each tile's list by depth. Ties
// break on Gaussian index so traversal order is deterministic.
func BuildTileLists(p *Projection, s *Settings) *TileLists {
	ts := s.tileSize()
	tilesX := (s.Width + ts - 1) / ts
	tilesY := (s.Height + ts - 1) / ts

	type entry struct {
		tile int32
		id   int32
	}
	var entries []entry
	for i := 0; i < p.N; i++ {
		if p.Radii[i] == 0 {
			continue
		}
		m := p.Means2D[i]
		x0, y0, x1, y1 := tileRange(m[0], m[1], float64(p.Radii[i]), ts, tilesX, tilesY)
		for ty := y0; ty < y1; ty++ {
			for tx := x0; tx < x1; tx++ {
				entries = append(entries, entry{tile: int32(ty*tilesX + tx), id: int32(i)})
			}
		}
	}

	sort.Slice(entries, func(a, b int) bool {
		ea, eb := entries[a], entries[b]
		if ea.tile != eb.tile {
			return ea.tile < eb.tile
		}
		da, db := p.Depths[ea.id], p.Depths[eb.id]
		if da != db {
			return da < db
		}
		return ea.id < eb.id
	})

	tl := &TileLists{
		TilesX:  tilesX,
		TilesY:  tilesY,
		Offsets: make([]int, tilesX*tilesY+1),
		Items:   make([]int32, len(entries)),
	}
	for _, e := range entries {
		tl.Offsets[e.tile+1]++
	}
	for t := 0; t < tilesX*tilesY; t++ {
		tl.Offsets[t+1] += tl.Offsets[t]
	}
	// Entries are already grouped by tile after the sort.
	for i, e := range entries {
		tl.Items[i] = e.id
	}
	return tl
}

// TileItems returns the sorted Gaussian indices overlapping tile
// (tx, ty).
func (tl *TileLists) TileItems(tx, ty int) []int32 {
	t := ty*tl.TilesX + tx
	return tl.Items[tl.Offsets[t]:tl.Offsets[t+1]]
}
