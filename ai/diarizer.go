// Package ai содержит распознавание речи и диаризацию спикеров.
package ai

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// SpeakerSegment интервал речи одного спикера
type SpeakerSegment struct {
	Start   float32 // секунды от начала аудио
	End     float32
	Speaker int // индекс спикера (0, 1, 2...)
}

// DiarizerConfig конфигурация диаризатора
type DiarizerConfig struct {
	SegmentationModelPath string  // модель сегментации (pyannote)
	EmbeddingModelPath    string  // модель эмбеддингов (wespeaker/3dspeaker)
	NumThreads            int
	NumSpeakers           int     // фиксированное число спикеров, -1 = автоопределение
	ClusteringThreshold   float32 // порог кластеризации (используется при NumSpeakers=-1)
	MinDurationOn         float32 // минимальная длительность речи, сек
	MinDurationOff        float32 // минимальная длительность паузы, сек
	Provider              string  // cpu, cuda, coreml, auto
}

// detectBestProvider определяет лучший provider для текущей платформы
func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// DefaultDiarizerConfig возвращает конфигурацию по умолчанию
func DefaultDiarizerConfig(segmentationPath, embeddingPath string) DiarizerConfig {
	return DiarizerConfig{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		NumSpeakers:           -1,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.3,
		MinDurationOff:        0.5,
		Provider:              "auto",
	}
}

// Diarizer выполняет офлайн-диаризацию через sherpa-onnx. Process не
// реентерабелен, поэтому вызовы сериализуются мьютексом: живая диаризация
// и финальный прогон не могут идти одновременно.
type Diarizer struct {
	config      DiarizerConfig
	diarizer    *sherpa.OfflineSpeakerDiarization
	mu          sync.Mutex
	initialized bool
}

// NewDiarizer создаёт диаризатор, проверяя наличие моделей
func NewDiarizer(config DiarizerConfig) (*Diarizer, error) {
	if _, err := os.Stat(config.SegmentationModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("segmentation model not found: %s", config.SegmentationModelPath)
	}
	if _, err := os.Stat(config.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found: %s", config.EmbeddingModelPath)
	}

	provider := config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}
	log.Printf("Diarizer: using provider=%s (requested=%s)", provider, config.Provider)

	numClusters := config.NumSpeakers
	if numClusters == 0 {
		numClusters = -1
	}

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: config.SegmentationModelPath,
			},
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      config.EmbeddingModelPath,
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: numClusters,
			Threshold:   config.ClusteringThreshold,
		},
		MinDurationOn:  config.MinDurationOn,
		MinDurationOff: config.MinDurationOff,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if diarizer == nil {
		// CoreML/CUDA могли не подняться, пробуем CPU
		if provider != "cpu" {
			log.Printf("Diarizer: %s provider failed, falling back to CPU", provider)
			sherpaConfig.Segmentation.Provider = "cpu"
			sherpaConfig.Embedding.Provider = "cpu"
			diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
			if diarizer == nil {
				return nil, fmt.Errorf("failed to create sherpa-onnx diarizer (tried %s and cpu)", provider)
			}
			provider = "cpu"
		} else {
			return nil, fmt.Errorf("failed to create sherpa-onnx diarizer")
		}
	}

	config.Provider = provider
	log.Printf("Diarizer initialized: provider=%s, segmentation=%s, embedding=%s",
		provider, config.SegmentationModelPath, config.EmbeddingModelPath)

	return &Diarizer{
		config:      config,
		diarizer:    diarizer,
		initialized: true,
	}, nil
}

// Diarize выполняет диаризацию буфера (float32, 16kHz, mono) и возвращает
// интервалы с индексами спикеров. Повторные вызовы на растущем буфере
// допустимы: каждый прогон независим.
func (d *Diarizer) Diarize(samples []float32) ([]SpeakerSegment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil, fmt.Errorf("diarizer not initialized")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	segments := d.diarizer.Process(samples)
	if len(segments) == 0 {
		return nil, nil
	}

	result := make([]SpeakerSegment, len(segments))
	for i, seg := range segments {
		result[i] = SpeakerSegment{
			Start:   seg.Start,
			End:     seg.End,
			Speaker: seg.Speaker,
		}
	}

	log.Printf("Diarizer: found %d segments from %d speakers",
		len(result), CountSpeakers(result))
	return result, nil
}

// SampleRate возвращает ожидаемую частоту дискретизации (16kHz)
func (d *Diarizer) SampleRate() int {
	if d.diarizer != nil {
		return d.diarizer.SampleRate()
	}
	return 16000
}

// Provider возвращает фактический ONNX provider (cpu, coreml, cuda)
func (d *Diarizer) Provider() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.Provider
}

// Close освобождает ресурсы
func (d *Diarizer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(d.diarizer)
		d.diarizer = nil
	}
	d.initialized = false
	log.Printf("Diarizer closed")
}

// CountSpeakers подсчитывает число уникальных спикеров в интервалах
func CountSpeakers(segments []SpeakerSegment) int {
	speakers := make(map[int]bool)
	for _, seg := range segments {
		speakers[seg.Speaker] = true
	}
	return len(speakers)
}
