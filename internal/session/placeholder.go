package session

import (
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 360
)

var backgrounds = map[string]color.RGBA{
	"white": {0xff, 0xff, 0xff, 0xff},
	"black": {0x10, 0x10, 0x10, 0xff},
	"gray":  {0x80, 0x80, 0x80, 0xff},
	"green": {0x00, 0xb1, 0x40, 0xff},
	"blue":  {0x1e, 0x3a, 0x8a, 0xff},
}

// Placeholder renders the still frame shown while no avatar video is
// available: the background colour with a persona-coloured disc.
func Placeholder(cfg SessionConfig) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: parseColor(cfg.Background)}, image.Point{}, draw.Src)

	fg := personaColor(cfg.Persona)
	cx, cy, r := placeholderWidth/2, placeholderHeight/2, placeholderHeight/4
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, fg)
			}
		}
	}
	return img
}

func parseColor(s string) color.RGBA {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := backgrounds[s]; ok {
		return c
	}
	if len(s) == 7 && s[0] == '#' {
		if v, err := strconv.ParseUint(s[1:], 16, 32); err == nil {
			return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 0xff}
		}
	}
	return backgrounds["white"]
}

func personaColor(persona string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(persona))
	v := h.Sum32()
	return color.RGBA{uint8(v>>16) | 0x40, uint8(v>>8) | 0x40, uint8(v) | 0x40, 0xff}
}
