package pipeline

import "github.com/smazurov/hwencode/internal/quality"

func nv12Size(width, height int) int {
	return width * height * 3 / 2
}

// scaleFrame resizes an NV12 frame to target with nearest-neighbour
// sampling. The target is rounded down to even dimensions; a zero or
// unchanged target returns f as is.
func scaleFrame(f Frame, target quality.Resolution) Frame {
	w, h := target.Width&^1, target.Height&^1
	if w <= 0 || h <= 0 || (w == f.Width && h == f.Height) {
		return f
	}

	dst := make([]byte, nv12Size(w, h))
	luma, chroma := dst[:w*h], dst[w*h:]
	src := f.Data

	for y := range h {
		sy := y * f.Height / h
		row := src[sy*f.Width:]
		for x := range w {
			luma[y*w+x] = row[x*f.Width/w]
		}
	}

	// interleaved UV at half resolution, two bytes per sample
	srcUV := src[f.Width*f.Height:]
	for y := range h / 2 {
		sy := y * (f.Height / 2) / (h / 2)
		row := srcUV[sy*f.Width:]
		for x := range w / 2 {
			sx := x * (f.Width / 2) / (w / 2)
			chroma[y*w+2*x] = row[2*sx]
			chroma[y*w+2*x+1] = row[2*sx+1]
		}
	}

	f.Data = dst
	f.Width, f.Height = w, h
	return f
}
