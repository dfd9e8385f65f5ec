// Package imagecheck guards against writing corrupt, truncated or blank
// screenshots to disk.
package imagecheck

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
)

// Signature is the 8-byte header every PNG stream starts with.
var Signature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

var (
	ErrInvalidSignature = errors.New("invalid PNG signature")
	ErrTooSmall         = errors.New("image below minimum size")
	ErrBlank            = errors.New("image is blank")
)

// MinPNGBytes is the length of the smallest complete PNG: signature, IHDR,
// one IDAT and IEND. Shorter buffers are truncated whatever minBytes says.
const MinPNGBytes = 67

// probeSize is the edge length images are reduced to before the blank check.
const probeSize = 64

// blankTolerance is the largest per-channel spread (0-255) still counted as
// a single flat color.
const blankTolerance = 2

// Info describes a validated PNG.
type Info struct {
	Bytes  int `json:"bytes"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HasSignature reports whether buf starts with the PNG signature.
func HasSignature(buf []byte) bool {
	return len(buf) >= len(Signature) && bytes.Equal(buf[:len(Signature)], Signature)
}

// Validate checks the PNG signature and the minimum byte length. minBytes
// never goes below MinPNGBytes.
func Validate(buf []byte, minBytes int) error {
	if !HasSignature(buf) {
		return fmt.Errorf("%w (len=%d)", ErrInvalidSignature, len(buf))
	}
	minBytes = max(minBytes, MinPNGBytes)
	if len(buf) < minBytes {
		return fmt.Errorf("%w: %d < %d bytes", ErrTooSmall, len(buf), minBytes)
	}
	return nil
}

// Inspect reads the PNG header and returns its dimensions.
func Inspect(buf []byte) (Info, error) {
	if !HasSignature(buf) {
		return Info{}, fmt.Errorf("%w (len=%d)", ErrInvalidSignature, len(buf))
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(buf))
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Info{}, fmt.Errorf("%w: truncated header (len=%d)", ErrTooSmall, len(buf))
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to read PNG header: %w", err)
	}
	return Info{Bytes: len(buf), Width: cfg.Width, Height: cfg.Height}, nil
}

// IsBlank decodes buf and reports whether every pixel has (nearly) the same
// color, which is what a capture of an unrendered map canvas looks like.
func IsBlank(buf []byte) (bool, error) {
	img, err := imaging.Decode(bytes.NewReader(buf))
	if err != nil {
		return false, fmt.Errorf("failed to decode image: %w", err)
	}
	return isFlat(imaging.Fit(img, probeSize, probeSize, imaging.Box)), nil
}

func isFlat(img image.Image) bool {
	b := img.Bounds()
	if b.Empty() {
		return true
	}

	var lo, hi [4]uint32
	for i := range lo {
		lo[i] = 0xff
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			px := [4]uint32{r >> 8, g >> 8, bl >> 8, a >> 8}
			for i, v := range px {
				lo[i] = min(lo[i], v)
				hi[i] = max(hi[i], v)
			}
		}
	}

	for i := range lo {
		if hi[i]-lo[i] > blankTolerance {
			return false
		}
	}
	return true
}
