package ai

import (
	"fmt"
	"log"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// SpeakerEncoderConfig конфигурация энкодера голоса
type SpeakerEncoderConfig struct {
	ModelPath  string
	SampleRate int
	NMels      int
	HopLength  int
	WinLength  int
	NFFT       int
}

// DefaultSpeakerEncoderConfig возвращает стандартную конфигурацию для
// WeSpeaker ResNet34
func DefaultSpeakerEncoderConfig(modelPath string) SpeakerEncoderConfig {
	return SpeakerEncoderConfig{
		ModelPath:  modelPath,
		SampleRate: 16000,
		NMels:      80,  // WeSpeaker использует 80 mels
		HopLength:  160, // 10ms
		WinLength:  400, // 25ms
		NFFT:       512,
	}
}

// SpeakerEncoder преобразует аудио в голосовой вектор (embedding).
// Используется для сопоставления спикеров с сохранёнными отпечатками.
type SpeakerEncoder struct {
	config       SpeakerEncoderConfig
	session      *ort.DynamicAdvancedSession
	melProcessor *MelProcessor
	mu           sync.Mutex
	initialized  bool
}

// NewSpeakerEncoder создаёт новый энкодер
func NewSpeakerEncoder(config SpeakerEncoderConfig) (*SpeakerEncoder, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}

	encoder := &SpeakerEncoder{
		config: config,
	}

	encoder.melProcessor = NewMelProcessor(MelConfig{
		SampleRate: config.SampleRate,
		NMels:      config.NMels,
		HopLength:  config.HopLength,
		WinLength:  config.WinLength,
		NFFT:       config.NFFT,
	})

	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	if err := encoder.loadModel(); err != nil {
		return nil, err
	}
	return encoder, nil
}

func (e *SpeakerEncoder) loadModel() error {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(e.config.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to get model info: %w", err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	log.Printf("SpeakerEncoder inputs: %v, outputs: %v", inputNames, outputNames)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	// Модель лёгкая, CPU хватает
	session, err := ort.NewDynamicAdvancedSession(
		e.config.ModelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	e.session = session
	e.initialized = true
	return nil
}

// Encode извлекает голосовой вектор из аудио (float32, 16kHz, mono)
func (e *SpeakerEncoder) Encode(samples []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, fmt.Errorf("encoder not initialized")
	}
	if len(samples) < e.config.SampleRate/10 {
		return nil, fmt.Errorf("audio too short")
	}

	melSpec, numFrames := e.melProcessor.Compute(samples)

	// WeSpeaker ONNX принимает [batch, frames, mels]
	flatInput := make([]float32, numFrames*e.config.NMels)
	for t := 0; t < numFrames; t++ {
		for m := 0; m < e.config.NMels; m++ {
			flatInput[t*e.config.NMels+m] = melSpec[t][m]
		}
	}

	inputShape := ort.NewShape(1, int64(numFrames), int64(e.config.NMels))
	inputTensor, err := ort.NewTensor(inputShape, flatInput)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	outputTensor := outputs[0].(*ort.Tensor[float32])
	embedding := outputTensor.GetData()

	normalized := normalizeVector(embedding)

	// Копируем: outputTensor будет уничтожен
	result := make([]float32, len(normalized))
	copy(result, normalized)
	return result, nil
}

func normalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x * x)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm < 1e-6 {
		return v
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Close освобождает ONNX сессию
func (e *SpeakerEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.initialized = false
}
