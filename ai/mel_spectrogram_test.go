package ai

import (
	"math"
	"testing"
)

func TestMelProcessorCompute(t *testing.T) {
	cfg := MelConfig{
		SampleRate: 16000,
		NMels:      80,
		HopLength:  160,
		WinLength:  400,
		NFFT:       512,
	}
	p := NewMelProcessor(cfg)

	// 1 секунда синуса 440 Гц
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	spec, numFrames := p.Compute(samples)

	wantFrames := (len(samples)-cfg.WinLength)/cfg.HopLength + 1
	if numFrames != wantFrames {
		t.Errorf("numFrames = %d, want %d", numFrames, wantFrames)
	}
	if len(spec) != numFrames {
		t.Fatalf("spec rows = %d, want %d", len(spec), numFrames)
	}

	for i, frame := range spec {
		if len(frame) != cfg.NMels {
			t.Fatalf("frame %d has %d mels, want %d", i, len(frame), cfg.NMels)
		}
		for m, v := range frame {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("frame %d mel %d = %v", i, m, v)
			}
		}
	}
}

func TestMelProcessorShortInput(t *testing.T) {
	p := NewMelProcessor(MelConfig{
		SampleRate: 16000,
		NMels:      80,
		HopLength:  160,
		WinLength:  400,
		NFFT:       512,
	})

	// Короче окна: должен получиться ровно один фрейм, без паники
	spec, numFrames := p.Compute(make([]float32, 100))
	if numFrames != 1 || len(spec) != 1 {
		t.Errorf("numFrames = %d, want 1", numFrames)
	}
}

func TestMelFilterbankShape(t *testing.T) {
	filters := createMelFilterbank(512, 80, 16000)
	if len(filters) != 80 {
		t.Fatalf("filters = %d, want 80", len(filters))
	}
	for m, f := range filters {
		if len(f) != 257 {
			t.Fatalf("filter %d has %d bins, want 257", m, len(f))
		}
		var sum float64
		for _, v := range f {
			if v < 0 {
				t.Fatalf("filter %d has negative weight %f", m, v)
			}
			sum += v
		}
		if sum == 0 {
			t.Errorf("filter %d is all zeros", m)
		}
	}
}
