package detections

import (
	"image"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// Wide vector units mean the machine is worth splitting rows across cores
var parallelCapable = cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD

// Preprocessor converts an image into a planar RGB float tensor in [0,1]
type Preprocessor struct {
	width, height int
	numWorkers    int
	parallel      bool
}

func NewPreprocessor(width, height int) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: runtime.GOMAXPROCS(0),
		parallel:   parallelCapable,
	}
}

// Process fills dst, which must hold 3*width*height values. img must already be width x height.
func (p *Preprocessor) Process(img image.Image, dst []float32) {
	if p.parallel && p.numWorkers > 1 && p.height >= p.numWorkers {
		p.processParallel(img, dst)
	} else {
		p.processRows(img, dst, 0, p.height)
	}
}

func (p *Preprocessor) processParallel(img image.Image, dst []float32) {
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}
		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, dst, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRows(img image.Image, dst []float32, start, end int) {
	channelSize := p.width * p.height
	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := start; y < end; y++ {
			src := nrgba.Pix[y*nrgba.Stride:]
			offset := y * p.width
			for x := 0; x < p.width; x++ {
				i := offset + x
				dst[i] = float32(src[x*4]) / 255.0
				dst[channelSize+i] = float32(src[x*4+1]) / 255.0
				dst[channelSize*2+i] = float32(src[x*4+2]) / 255.0
			}
		}
		return
	}

	b := img.Bounds()
	for y := start; y < end; y++ {
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dst[i] = float32(r>>8) / 255.0
			dst[channelSize+i] = float32(g>>8) / 255.0
			dst[channelSize*2+i] = float32(bl>>8) / 255.0
		}
	}
}
