package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/detections"

	"github.com/cyclopcam/logs"
	ort "github.com/yalue/onnxruntime_go"
)

// libraryName returns the ONNX Runtime shared library file name for this OS
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	}
	return "libonnxruntime.so"
}

// resolveLibrary finds the ONNX Runtime shared library. An explicitly configured path must exist;
// otherwise lib/ next to the executable and the working directory are searched.
func resolveLibrary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("onnxruntime library not found: %w", err)
		}
		return configured, nil
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "lib"))
	}
	dirs = append(dirs, "lib")

	for _, dir := range dirs {
		candidate := filepath.Join(dir, libraryName())
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("onnxruntime library %v not found in %v", libraryName(), dirs)
}

// initRuntime loads ONNX Runtime and returns a function that tears it down
func initRuntime(cfg config.RuntimeConfig, log logs.Log) (func(), error) {
	libPath, err := resolveLibrary(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	log.Infof("ONNX Runtime loaded from %v", libPath)

	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Warnf("Failed to destroy ONNX environment: %v", err)
		}
	}, nil
}

// newClassifierPool loads the runtime and fills a session pool with classifier sessions.
// The returned cleanup releases both.
func newClassifierPool(cfg *config.Config, log logs.Log) (*ModelSessionPool, func(), error) {
	if _, err := os.Stat(cfg.Detectors.Classifier.ModelPath); err != nil {
		return nil, nil, fmt.Errorf("model file not found: %w", err)
	}

	destroyRuntime, err := initRuntime(cfg.Runtime, log)
	if err != nil {
		return nil, nil, err
	}

	factory := func() (detections.InferenceSession, error) {
		return detections.NewModelSession(cfg.Detectors.Classifier)
	}
	pool, err := NewModelSessionPool(factory, cfg.Runtime.PoolSize, log)
	if err != nil {
		destroyRuntime()
		return nil, nil, err
	}

	return pool, func() {
		pool.Destroy()
		destroyRuntime()
	}, nil
}
