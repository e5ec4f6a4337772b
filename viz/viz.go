// Package viz renders the particle cloud over the occupancy grid for
// offline inspection of localization runs.
package viz

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/dorisbot/amcl"
	"github.com/dorisbot/amcl/grid"
)

// CloudPlot draws the map's occupied cells, the particle cloud and the
// pose estimate into a single scatter plot. estimate may be nil when no
// hypothesis is available yet.
func CloudPlot(m *grid.Map, cloud []amcl.Pose, estimate *amcl.Pose) (*plot.Plot, error) {
	if m == nil {
		return nil, fmt.Errorf("no map")
	}
	if len(cloud) == 0 {
		return nil, fmt.Errorf("empty particle cloud")
	}

	p := plot.New()

	p.Title.Text = "Particle cloud"
	p.X.Label.Text = "X [m]"
	p.Y.Label.Text = "Y [m]"

	legend := plot.NewLegend()
	legend.Top = true
	p.Legend = legend

	obstacles := obstaclePoints(m)
	if len(obstacles) > 0 {
		obstacleScatter, err := plotter.NewScatter(obstacles)
		if err != nil {
			return nil, err
		}
		obstacleScatter.GlyphStyle.Color = color.RGBA{A: 255}
		obstacleScatter.GlyphStyle.Radius = vg.Points(1)

		p.Add(obstacleScatter)
		p.Legend.Add("map", obstacleScatter)
	}

	cloudScatter, err := plotter.NewScatter(posePoints(cloud))
	if err != nil {
		return nil, err
	}
	cloudScatter.GlyphStyle.Color = color.RGBA{R: 255, B: 128, A: 255}
	cloudScatter.GlyphStyle.Radius = vg.Points(2)

	p.Add(cloudScatter)
	p.Legend.Add("particles", cloudScatter)

	if estimate != nil {
		estScatter, err := plotter.NewScatter(posePoints([]amcl.Pose{*estimate}))
		if err != nil {
			return nil, err
		}
		estScatter.GlyphStyle.Color = color.RGBA{G: 255, A: 255}
		estScatter.Shape = draw.CrossGlyph{}
		estScatter.GlyphStyle.Radius = vg.Points(5)

		p.Add(estScatter)
		p.Legend.Add("estimate", estScatter)
	}

	return p, nil
}

func obstaclePoints(m *grid.Map) plotter.XYs {
	var pts plotter.XYs
	for j := 0; j < m.Height(); j++ {
		for i := 0; i < m.Width(); i++ {
			if m.At(i, j).Occ == grid.Occupied {
				x, y := m.CellToWorld(i, j)
				pts = append(pts, plotter.XY{X: x, Y: y})
			}
		}
	}
	return pts
}

func posePoints(poses []amcl.Pose) plotter.XYs {
	pts := make(plotter.XYs, len(poses))
	for i, p := range poses {
		pts[i].X = p.X
		pts[i].Y = p.Y
	}
	return pts
}
