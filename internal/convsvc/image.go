package convsvc

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"
)

// nativeExtensions are formats the service decodes in-process. Everything
// else (HEIC, RAW) goes through the external tool chain.
var nativeExtensions = map[string]func(io.Reader) (image.Image, error){
	".webp": webp.Decode,
	".tif":  tiff.Decode,
	".tiff": tiff.Decode,
}

func nativeDecoder(ext string) (func(io.Reader) (image.Image, error), bool) {
	dec, ok := nativeExtensions[strings.ToLower(ext)]
	return dec, ok
}

// shrinkToFit scales the image down so neither side exceeds maxSide,
// preserving aspect ratio. Images already inside the bound pass through.
func shrinkToFit(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}

	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())
	if w == 0 || h == 0 {
		return img
	}

	ratio := w / float64(maxSide)
	if hRatio := h / float64(maxSide); hRatio > ratio {
		ratio = hRatio
	}
	if ratio <= 1 {
		return img
	}

	return imaging.Resize(img, int(w/ratio), int(h/ratio), imaging.Lanczos)
}

// convertNative decodes, resizes and re-encodes as JPEG without shelling out.
func convertNative(r io.Reader, ext string, quality, maxSide int) ([]byte, error) {
	dec, ok := nativeDecoder(ext)
	if !ok {
		return nil, fmt.Errorf("no native decoder for %q", ext)
	}

	img, err := dec(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ext, err)
	}

	img = shrinkToFit(img, maxSide)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("encode jpeg: empty output")
	}
	return buf.Bytes(), nil
}
