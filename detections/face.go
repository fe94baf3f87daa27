package detections

import (
	"context"
	_ "embed"
	"fmt"
	"image"
	"os"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
)

// pigo's stock frontal face cascade, used when no cascade_path is configured
//
//go:embed cascade/facefinder
var embeddedCascade []byte

// FaceDetector finds frontal faces with a pigo cascade and expands each face into an estimated body box
type FaceDetector struct {
	cfg        config.FaceConfig
	classifier *pigo.Pigo
}

// NewFaceDetector loads the cascade once. An empty CascadePath selects the embedded cascade.
// A missing or corrupt cascade file yields ErrDetectorUnavailable.
func NewFaceDetector(cfg config.FaceConfig) (*FaceDetector, error) {
	if cfg.CascadePath == "" {
		return NewFaceDetectorFromCascade(cfg, embeddedCascade)
	}
	cascade, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read cascade: %v", models.ErrDetectorUnavailable, err)
	}
	return NewFaceDetectorFromCascade(cfg, cascade)
}

func NewFaceDetectorFromCascade(cfg config.FaceConfig, cascade []byte) (fd *FaceDetector, err error) {
	// Unpack indexes straight into the packet, so a truncated file panics instead of erroring
	defer func() {
		if r := recover(); r != nil {
			fd = nil
			err = fmt.Errorf("%w: corrupt cascade: %v", models.ErrDetectorUnavailable, r)
		}
	}()
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack cascade: %v", models.ErrDetectorUnavailable, err)
	}
	return &FaceDetector{
		cfg:        cfg,
		classifier: classifier,
	}, nil
}

func (fd *FaceDetector) Name() string {
	return "face"
}

func (fd *FaceDetector) Source() models.Source {
	return models.SourceFace
}

func (fd *FaceDetector) Detect(ctx context.Context, img image.Image) (Contribution, error) {
	if err := ctx.Err(); err != nil {
		return Contribution{}, err
	}

	src := imaging.Clone(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()

	params := pigo.CascadeParams{
		MinSize:     fd.cfg.MinSize,
		MaxSize:     fd.cfg.MaxSize,
		ShiftFactor: fd.cfg.ShiftFactor,
		ScaleFactor: fd.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := fd.classifier.RunCascade(params, 0)
	dets = fd.classifier.ClusterDetections(dets, fd.cfg.ClusterIoU)

	boxes := make([]models.Box, 0, len(dets))
	conf := make([]float32, 0, len(dets))
	for _, d := range dets {
		if d.Q < fd.cfg.MinQuality {
			continue
		}
		face := models.Box{
			X:      d.Col - d.Scale/2,
			Y:      d.Row - d.Scale/2,
			Width:  d.Scale,
			Height: d.Scale,
		}
		boxes = append(boxes, BodyFromFace(face))
		conf = append(conf, d.Q/(d.Q+fd.cfg.QualityScale))
	}

	return Contribution{
		Detections: boxesFor(models.SourceFace, cols, rows, boxes, conf),
	}, nil
}

// BodyFromFace estimates the full-body box of a person from their face box.
// The body is assumed to be twice as wide and four times as tall as the face, starting just above it.
func BodyFromFace(face models.Box) models.Box {
	return models.Box{
		X:      face.X - face.Width/2,
		Y:      face.Y - face.Height/4,
		Width:  face.Width * 2,
		Height: face.Height * 4,
	}
}
