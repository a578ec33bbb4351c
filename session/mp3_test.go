package session

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// синус 440 Гц заданной длины
func makeSine(amp float32, frames, rate int) []float32 {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = amp * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return samples
}

func TestMP3RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mp3")

	// Пишем 2 секунды синуса на MPEG-1 частоте
	const srcRate = 44100
	src := makeSine(0.5, 2*srcRate, srcRate)

	w, err := NewMP3Writer(path, srcRate, 1)
	if err != nil {
		t.Fatalf("NewMP3Writer: %v", err)
	}
	if err := w.Write(src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	samples, duration, err := ImportMP3(path, 16000)
	if err != nil {
		t.Fatalf("ImportMP3: %v", err)
	}

	// MP3 кодируется блоками, края дают небольшой сдвиг длины
	if math.Abs(duration-2.0) > 0.2 {
		t.Errorf("duration = %.2f, want ~2.0", duration)
	}
	want := 2 * 16000
	if len(samples) < want-3000 || len(samples) > want+3000 {
		t.Errorf("samples = %d, want ~%d", len(samples), want)
	}

	var rms float64
	for _, s := range samples {
		if s < -1.0 || s > 1.0 {
			t.Fatalf("sample out of range: %f", s)
		}
		rms += float64(s) * float64(s)
	}
	rms = math.Sqrt(rms / float64(len(samples)))
	if rms < 0.1 {
		t.Errorf("decoded audio is near-silent: rms=%.4f", rms)
	}
}

func TestExportMP3(t *testing.T) {
	wavPath := writeTestWAV(t, 0.5, 16000, RecognizerSampleRate, 1)
	mp3Path := filepath.Join(filepath.Dir(wavPath), "export.mp3")

	if err := ExportMP3(wavPath, mp3Path); err != nil {
		t.Fatalf("ExportMP3: %v", err)
	}

	info, err := os.Stat(mp3Path)
	if err != nil {
		t.Fatalf("exported file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("exported file is empty")
	}
}

func TestMP3WriterRejectsWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.mp3")
	w, err := NewMP3Writer(path, 44100, 1)
	if err != nil {
		t.Fatalf("NewMP3Writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write([]float32{0.1, 0.2}); err == nil {
		t.Error("Write after Close should fail")
	}
}
