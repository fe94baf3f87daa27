package detections

import (
	"context"
	"fmt"
	"runtime"

	"github.com/Tutortoise/crowd-safety-service/config"

	ort "github.com/yalue/onnxruntime_go"
)

// InferenceSession is one loaded model with its bound input and output buffers.
// A session is used by one goroutine at a time.
type InferenceSession interface {
	Input() []float32
	Output() []float32
	Run() error
	Destroy()
}

// SessionSource lends out inference sessions
type SessionSource interface {
	Acquire(ctx context.Context) (InferenceSession, error)
	Release(s InferenceSession)
}

type ModelSession struct {
	Session *ort.AdvancedSession
	In      *ort.Tensor[float32]
	Out     *ort.Tensor[float32]
}

// NewModelSession loads the crowd classifier. The ONNX Runtime environment must already be initialized.
func NewModelSession(cfg config.ClassifierConfig) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	inputShape := ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth))
	outputShape := ort.NewShape(1, NumClasses)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		In:      inputTensor,
		Out:     outputTensor,
	}, nil
}

func (m *ModelSession) Input() []float32 {
	return m.In.GetData()
}

func (m *ModelSession) Output() []float32 {
	return m.Out.GetData()
}

func (m *ModelSession) Run() error {
	return m.Session.Run()
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.In != nil {
		m.In.Destroy()
	}
	if m.Out != nil {
		m.Out.Destroy()
	}
}
