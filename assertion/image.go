package assertion

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"math"
	"strings"

	// template decoding accepts both formats clients send
	_ "image/jpeg"
	_ "image/png"

	"github.com/ByteTrue/byteautoui/driver"
)

// MaxTemplateSize bounds the decoded template payload at 1 MiB.
const MaxTemplateSize = 1 << 20

// validateImage locates the template on the current screen via normalized
// cross-correlation.  As with element validation, problems report as a
// failed condition with a reason.
func (e *Engine) validateImage(d driver.Driver, template ImageTemplate) (bool, map[string]interface{}) {
	screenshot, err := d.Screenshot()
	if err != nil {
		return false, map[string]interface{}{"reason": "screenshot failed: " + err.Error()}
	}

	data := template.Data
	if strings.HasPrefix(data, "data:") {
		if _, after, ok := strings.Cut(data, ","); ok {
			data = after
		}
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return false, map[string]interface{}{"reason": "template is not valid base64: " + err.Error()}
	}
	if len(raw) > MaxTemplateSize {
		return false, map[string]interface{}{
			"reason": fmt.Sprintf("template too large: %.1fKB (limit %dKB)",
				float64(len(raw))/1024, MaxTemplateSize/1024),
		}
	}

	templateImage, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return false, map[string]interface{}{"reason": "template is not a decodable image: " + err.Error()}
	}

	screen := toGray(screenshot)
	tmpl := toGray(templateImage)

	sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
	tw, th := tmpl.Bounds().Dx(), tmpl.Bounds().Dy()
	if tw > sw || th > sh {
		return false, map[string]interface{}{
			"reason": fmt.Sprintf("template size (%dx%d) exceeds screen (%dx%d)", tw, th, sw, sh),
		}
	}

	score, location := matchTemplate(screen, tmpl)
	found := score >= template.Threshold

	details := map[string]interface{}{
		"max_confidence": score,
		"threshold":      template.Threshold,
		"template_size":  fmt.Sprintf("%dx%d", tw, th),
	}
	if found {
		details["location"] = []int{location.X, location.Y}
	} else {
		details["location"] = nil
	}
	return found, details
}

// toGray flattens any image to 8-bit luminance.
func toGray(src image.Image) *image.Gray {
	bounds := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), src, bounds.Min, draw.Src)
	return gray
}

// matchTemplate computes zero-mean normalized cross-correlation of the
// template over every placement and returns the peak score (floored at 0)
// and its top-left location.  An exact pixel match scores exactly 1.
func matchTemplate(screen, tmpl *image.Gray) (float64, image.Point) {
	var (
		sw, sh = screen.Bounds().Dx(), screen.Bounds().Dy()
		tw, th = tmpl.Bounds().Dx(), tmpl.Bounds().Dy()
		n      = float64(tw * th)
	)

	var (
		tmplRaw    = make([]uint8, tw*th)
		tmplValues = make([]float64, tw*th)
		tmplSum    = 0.0
	)
	for y := 0; y < th; y++ {
		for x := 0; x < tw; x++ {
			v := tmpl.GrayAt(x, y).Y
			tmplRaw[y*tw+x] = v
			tmplSum += float64(v)
		}
	}
	tmplMean := tmplSum / n

	tmplVar := 0.0
	for i, v := range tmplRaw {
		tmplValues[i] = float64(v) - tmplMean
		tmplVar += tmplValues[i] * tmplValues[i]
	}

	var (
		best    = math.Inf(-1)
		bestLoc image.Point
		exact   = false
	)
	for oy := 0; oy <= sh-th; oy++ {
		for ox := 0; ox <= sw-tw; ox++ {
			windowSum := 0.0
			for y := 0; y < th; y++ {
				for x := 0; x < tw; x++ {
					windowSum += float64(screen.GrayAt(ox+x, oy+y).Y)
				}
			}
			windowMean := windowSum / n

			var numerator, windowVar float64
			identical := true
			for y := 0; y < th; y++ {
				for x := 0; x < tw; x++ {
					raw := screen.GrayAt(ox+x, oy+y).Y
					if raw != tmplRaw[y*tw+x] {
						identical = false
					}
					sv := float64(raw)
					sd := sv - windowMean
					numerator += sd * tmplValues[y*tw+x]
					windowVar += sd * sd
				}
			}

			var score float64
			switch {
			case identical:
				score = 1
			case tmplVar == 0 || windowVar == 0:
				score = 0
			default:
				score = numerator / math.Sqrt(tmplVar*windowVar)
			}

			if score > best {
				best = score
				bestLoc = image.Point{X: ox, Y: oy}
				exact = identical
			}
		}
	}

	if exact {
		return 1, bestLoc
	}
	if best < 0 {
		best = 0
	}
	return best, bestLoc
}
