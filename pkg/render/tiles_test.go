package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileRangeClamping(t *testing.T) {
	// 64x64 image, 16px tiles: 4x4 grid.
	x0, y0, x1, y1 := tileRange(8, 8, 4, 16, 4, 4)
	assert.Equal(t, [4]int{0, 0, 1, 1}, [4]int{x0, y0, x1, y1})

	// Straddles a tile boundary.
	x0, y0, x1, y1 = tileRange(16, 16, 4, 16, 4, 4)
	assert.Equal(t, [4]int{0, 0, 2, 2}, [4]int{x0, y0, x1, y1})

	// Splat partially off the image clamps to the grid.
	x0, y0, x1, y1 = tileRange(-5, 70, 10, 16, 4, 4)
	assert.Equal(t, [4]int{0, 3, 1, 4}, [4]int{x0, y0, x1, y1})
}

func TestBuildTileListsDepthOrder(t *testing.T) {
	s := testSettings(64, 64)

	p := visibleProjection(3)
	for i := 0; i < 3; i++ {
		p.Means2D[i] = [2]float64{8, 8}
		p.Radii[i] = 2
		p.Conics[i] = [3]float64{1, 0, 1}
	}
	p.Depths[0] = 5
	p.Depths[1] = 1
	p.Depths[2] = 3

	tl := BuildTileLists(p, s)
	require.Equal(t, 4, tl.TilesX)
	require.Equal(t, 4, tl.TilesY)

	items := tl.TileItems(0, 0)
	assert.Equal(t, []int32{1, 2, 0}, items)
	assert.Empty(t, tl.TileItems(3, 3))
}

func TestBuildTileListsTieBreaksOnIndex(t *testing.T) {
	s := testSettings(32, 32)
	p := visibleProjection(3)
	for i := 0; i < 3; i++ {
		p.Means2D[i] = [2]float64{4, 4}
		p.Radii[i] = 1
		p.Depths[i] = 2 // all equal
	}
	tl := BuildTileLists(p, s)
	assert.Equal(t, []int32{0, 1, 2}, tl.TileItems(0, 0))
}

func TestBuildTileListsSpanningSplat(t *testing.T) {
	s := testSettings(64, 64)
	p := visibleProjection(1)
	p.Means2D[0] = [2]float64{32, 32}
	p.Radii[0] = 20
	p.Depths[0] = 1

	tl := BuildTileLists(p, s)
	covered := 0
	for ty := 0; ty < tl.TilesY; ty++ {
		for tx := 0; tx < tl.TilesX; tx++ {
			if len(tl.TileItems(tx, ty)) > 0 {
				covered++
			}
		}
	}
	// Radius 20 around the center reaches into every 16px tile of the
	// 4x4 grid.
	assert.Equal(t, 16, covered)
}

func TestBuildTileListsIgnoresCulled(t *testing.T) {
	s := testSettings(32, 32)
	p := visibleProjection(2)
	p.Means2D[0] = [2]float64{4, 4}
	p.Radii[0] = 1
	p.Radii[1] = 0 // culled

	tl := BuildTileLists(p, s)
	assert.Equal(t, []int32{0}, tl.TileItems(0, 0))
	assert.Len(t, tl.Items, 1)
}
