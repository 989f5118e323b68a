package imagegen

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"photoedit/internal/imageref"
)

// Mock is an offline synthesizer: it crops the edit base to the requested
// aspect ratio and stamps the head of the prompt onto it.
type Mock struct {
	Delay time.Duration
}

var (
	fontOnce sync.Once
	font     *truetype.Font
	fontErr  error
)

func captionFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		font, fontErr = freetype.ParseFont(goregular.TTF)
	})
	return font, fontErr
}

func (m Mock) Generate(ctx context.Context, req Request) (string, error) {
	const op = "imagegen.Mock"
	if len(req.Images) == 0 {
		return "", fmt.Errorf("%s: no input image", op)
	}
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}

	src, err := imageref.Image(req.Images[0])
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if w, h, ok := ParseAspectRatio(req.AspectRatio); ok {
		b := src.Bounds()
		tw, th := b.Dx(), b.Dx()*h/w
		if th > b.Dy() {
			tw, th = b.Dy()*w/h, b.Dy()
		}
		src = imaging.Fill(src, tw, th, imaging.Center, imaging.Lanczos)
	}

	dst := imaging.Clone(src)
	if err := stampCaption(dst, caption(req.Prompt)); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return imageref.FromImage(dst)
}

func stampCaption(dst draw.Image, text string) error {
	f, err := captionFont()
	if err != nil {
		return err
	}
	b := dst.Bounds()
	size := float64(b.Dy()) / 24
	if size < 10 {
		size = 10
	}
	band := image.Rect(b.Min.X, b.Max.Y-int(size*2), b.Max.X, b.Max.Y)
	draw.Draw(dst, band, image.NewUniform(color.NRGBA{A: 160}), image.Point{}, draw.Over)

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(f)
	c.SetFontSize(size)
	c.SetClip(b)
	c.SetDst(dst)
	c.SetSrc(image.White)
	_, err = c.DrawString(text, freetype.Pt(b.Min.X+int(size/2), b.Max.Y-int(size*0.6)))
	return err
}

func caption(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		prompt = prompt[i+1:]
	}
	r := []rune(prompt)
	if len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return prompt
}

// ParseAspectRatio parses "W:H".
func ParseAspectRatio(s string) (w, h int, ok bool) {
	ws, hs, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(ws))
	h, err2 := strconv.Atoi(strings.TrimSpace(hs))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
