package memengine

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
)

var (
	background = color.RGBA{R: 12, G: 20, B: 48, A: 255}
	timeline   = color.RGBA{R: 90, G: 110, B: 160, A: 255}
	cursor     = color.RGBA{R: 255, G: 200, B: 40, A: 255}
	marker     = color.RGBA{R: 80, G: 220, B: 120, A: 255}
)

// CaptureScreenshot renders a PNG showing the analysis period with the
// clock position and one marker per asset.
func (e *Engine) CaptureScreenshot(ctx context.Context, req contract.ScreenshotRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := contract.Validate(req); err != nil {
		return err
	}
	target, err := filepath.Abs(filepath.Join(e.cfg.Dir, filepath.FromSlash(req.Path)))
	if err != nil {
		return faults.Execution("memengine.screenshot", "failed to resolve screenshot path", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := e.builder.Screenshot(req, target)
	if err != nil {
		return err
	}
	if req.At != nil {
		if err := e.outsidePeriod(*req.At); err != nil {
			return err
		}
	}
	e.record(cmds)
	if req.At != nil {
		e.clock = *req.At
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return faults.Execution("memengine.screenshot", "failed to create screenshot directory", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return faults.Execution("memengine.screenshot", "failed to create image", err)
	}
	if err := png.Encode(f, e.render()); err != nil {
		f.Close()
		return faults.Execution("memengine.screenshot", "failed to encode image", err)
	}
	if err := f.Close(); err != nil {
		return faults.Execution("memengine.screenshot", "failed to write image", err)
	}
	return nil
}

func (e *Engine) render() image.Image {
	w, h := e.cfg.ImageWidth, e.cfg.ImageHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, img.Bounds(), background)

	mid := h / 2
	fill(img, image.Rect(0, mid-1, w, mid+1), timeline)

	sc, _ := e.builder.Scenario()
	if span := sc.Stop.Sub(sc.Start); span > 0 {
		x := int(float64(w-1) * float64(e.clock.Sub(sc.Start)) / float64(span))
		fill(img, image.Rect(x-1, 0, x+2, h), cursor)
	}

	names := make([]string, 0, len(e.assets))
	for name := range e.assets {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		a := e.assets[name]
		x := (i + 1) * w / (len(names) + 1)
		y := h/4 + int(float64(h/2)*altitudeKm(a)/(geoAltitudeKm+1))
		fill(img, image.Rect(x-3, y-3, x+4, y+4), marker)
	}
	return img
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}
