package ai

import (
	"os"
	"testing"
)

func TestDiarizerIntegration(t *testing.T) {
	// Пропускаем если нет моделей
	segmentationPath := os.Getenv("DIARIZATION_SEGMENTATION_MODEL")
	embeddingPath := os.Getenv("DIARIZATION_EMBEDDING_MODEL")

	if segmentationPath == "" || embeddingPath == "" {
		t.Skip("DIARIZATION_SEGMENTATION_MODEL and DIARIZATION_EMBEDDING_MODEL not set")
	}
	if _, err := os.Stat(segmentationPath); os.IsNotExist(err) {
		t.Skipf("Segmentation model not found: %s", segmentationPath)
	}
	if _, err := os.Stat(embeddingPath); os.IsNotExist(err) {
		t.Skipf("Embedding model not found: %s", embeddingPath)
	}

	config := DefaultDiarizerConfig(segmentationPath, embeddingPath)
	diarizer, err := NewDiarizer(config)
	if err != nil {
		t.Fatalf("NewDiarizer: %v", err)
	}
	defer diarizer.Close()

	if diarizer.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", diarizer.SampleRate())
	}

	// Тишина: пустой результат или один сегмент, но не ошибка
	silence := make([]float32, 16000*3)
	segments, err := diarizer.Diarize(silence)
	if err != nil {
		t.Errorf("Diarize failed: %v", err)
	}
	t.Logf("Silence diarization: %d segments", len(segments))
}

func TestDiarizerConfigDefaults(t *testing.T) {
	config := DefaultDiarizerConfig("/path/to/seg.onnx", "/path/to/emb.onnx")

	if config.SegmentationModelPath != "/path/to/seg.onnx" {
		t.Errorf("segmentation path = %q", config.SegmentationModelPath)
	}
	if config.EmbeddingModelPath != "/path/to/emb.onnx" {
		t.Errorf("embedding path = %q", config.EmbeddingModelPath)
	}
	if config.NumThreads != 4 {
		t.Errorf("NumThreads = %d, want 4", config.NumThreads)
	}
	if config.NumSpeakers != -1 {
		t.Errorf("NumSpeakers = %d, want -1 (auto)", config.NumSpeakers)
	}
	if config.ClusteringThreshold != 0.5 {
		t.Errorf("ClusteringThreshold = %f, want 0.5", config.ClusteringThreshold)
	}
	if config.MinDurationOn != 0.3 {
		t.Errorf("MinDurationOn = %f, want 0.3", config.MinDurationOn)
	}
	if config.MinDurationOff != 0.5 {
		t.Errorf("MinDurationOff = %f, want 0.5", config.MinDurationOff)
	}
	if config.Provider != "auto" {
		t.Errorf("Provider = %q, want auto", config.Provider)
	}
}

func TestCountSpeakers(t *testing.T) {
	segments := []SpeakerSegment{
		{Start: 0, End: 2, Speaker: 0},
		{Start: 2, End: 4, Speaker: 1},
		{Start: 4, End: 6, Speaker: 0},
	}
	if n := CountSpeakers(segments); n != 2 {
		t.Errorf("CountSpeakers = %d, want 2", n)
	}
	if n := CountSpeakers(nil); n != 0 {
		t.Errorf("CountSpeakers(nil) = %d, want 0", n)
	}
}
