package session

import (
	"math"
	"path/filepath"
	"testing"
)

// пишет WAV с синусом заданной амплитуды и возвращает путь
func writeTestWAV(t *testing.T, amp float32, frames, rate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	w, err := NewWAVWriter(path, rate, channels, 16)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}
	samples := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		v := amp * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		for ch := 0; ch < channels; ch++ {
			samples[i*channels+ch] = v
		}
	}
	if err := w.Write(samples); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func wavPeak(t *testing.T, path string) float32 {
	t.Helper()
	samples, _, err := ReadWAVMono(path, 0)
	if err != nil {
		t.Fatalf("ReadWAVMono: %v", err)
	}
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

func TestNormalizeWAVBoostsQuietFile(t *testing.T) {
	path := writeTestWAV(t, 0.2, 16000, RecognizerSampleRate, 1)

	gain, err := NormalizeWAV(path, NormalizeTargetPeak, NormalizeMaxGain)
	if err != nil {
		t.Fatalf("NormalizeWAV: %v", err)
	}
	// 0.95/0.2 больше maxGain, усиление ограничивается 4.0
	if math.Abs(float64(gain)-4.0) > 0.01 {
		t.Errorf("gain = %.3f, want ~4.0", gain)
	}
	if peak := wavPeak(t, path); math.Abs(float64(peak)-0.8) > 0.01 {
		t.Errorf("peak after normalize = %.3f, want ~0.8", peak)
	}
}

func TestNormalizeWAVKeepsLoudFile(t *testing.T) {
	path := writeTestWAV(t, 0.96, 8000, RecognizerSampleRate, 1)

	gain, err := NormalizeWAV(path, NormalizeTargetPeak, NormalizeMaxGain)
	if err != nil {
		t.Fatalf("NormalizeWAV: %v", err)
	}
	if gain != 1.0 {
		t.Errorf("gain = %.3f, want 1.0 for loud file", gain)
	}
	if peak := wavPeak(t, path); math.Abs(float64(peak)-0.96) > 0.01 {
		t.Errorf("loud file was modified: peak = %.3f", peak)
	}
}

func TestMeasureDuration(t *testing.T) {
	path := writeTestWAV(t, 0.5, RecognizerSampleRate, RecognizerSampleRate, 1)

	dur, err := MeasureDuration(path)
	if err != nil {
		t.Fatalf("MeasureDuration: %v", err)
	}
	if math.Abs(dur-1.0) > 0.001 {
		t.Errorf("duration = %.4f, want 1.0", dur)
	}
}

func TestReadWAVMonoMixdownAndResample(t *testing.T) {
	// стерео файл: после mixdown каналы идентичны, питч не важен
	path := writeTestWAV(t, 0.5, 16000, RecognizerSampleRate, 2)

	samples, dur, err := ReadWAVMono(path, 8000)
	if err != nil {
		t.Fatalf("ReadWAVMono: %v", err)
	}
	if math.Abs(dur-1.0) > 0.001 {
		t.Errorf("duration = %.4f, want 1.0", dur)
	}
	// ресемплинг 16k -> 8k даёт примерно вдвое меньше сэмплов
	if len(samples) < 7900 || len(samples) > 8100 {
		t.Errorf("resampled length = %d, want ~8000", len(samples))
	}
}
