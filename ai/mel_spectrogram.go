package ai

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MelConfig конфигурация вычисления Mel-спектрограммы
type MelConfig struct {
	SampleRate int
	NMels      int
	HopLength  int // обычно SampleRate / 100 (10ms)
	WinLength  int // обычно SampleRate / 40 (25ms)
	NFFT       int
	Center     bool // true = центрированные фреймы (как librosa), false = от начала
}

// MelProcessor вычисляет log-mel спектрограмму для голосового энкодера
type MelProcessor struct {
	config     MelConfig
	melFilters [][]float64
	window     []float64
	fft        *fourier.FFT
}

// NewMelProcessor создаёт новый процессор
func NewMelProcessor(config MelConfig) *MelProcessor {
	p := &MelProcessor{
		config: config,
	}

	p.melFilters = createMelFilterbank(config.NFFT, config.NMels, config.SampleRate)
	p.window = createHannWindow(config.WinLength)
	p.fft = fourier.NewFFT(config.NFFT)

	return p
}

// Compute вычисляет log-mel спектрограмму, возвращает [numFrames][nMels]
func (p *MelProcessor) Compute(samples []float32) ([][]float32, int) {
	var numFrames int
	if p.config.Center {
		numFrames = len(samples)/p.config.HopLength + 1
	} else {
		// (len - win_length) / hop_length + 1
		if len(samples) >= p.config.WinLength {
			numFrames = (len(samples)-p.config.WinLength)/p.config.HopLength + 1
		} else {
			numFrames = 1
		}
	}

	melSpec := make([][]float32, numFrames)

	for frame := 0; frame < numFrames; frame++ {
		var frameStart int
		if p.config.Center {
			frameStart = frame*p.config.HopLength - p.config.WinLength/2
		} else {
			frameStart = frame * p.config.HopLength
		}

		// Извлекаем фрейм с паддингом нулями по краям
		frameData := make([]float64, p.config.NFFT)
		for i := 0; i < p.config.WinLength; i++ {
			sampleIdx := frameStart + i
			if sampleIdx >= 0 && sampleIdx < len(samples) {
				frameData[i] = float64(samples[sampleIdx]) * p.window[i]
			}
		}

		coeffs := p.fft.Coefficients(nil, frameData)

		// Power spectrum, только положительные частоты
		powerSpec := make([]float64, p.config.NFFT/2+1)
		for i := 0; i <= p.config.NFFT/2; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			powerSpec[i] = re*re + im*im
		}

		melSpec[frame] = make([]float32, p.config.NMels)
		for m := 0; m < p.config.NMels; m++ {
			sum := float64(0)
			for k := 0; k < len(powerSpec); k++ {
				sum += powerSpec[k] * p.melFilters[m][k]
			}
			// Log с клампингом
			if sum < 1e-9 {
				sum = 1e-9
			}
			melSpec[frame][m] = float32(math.Log(sum))
		}
	}

	return melSpec, numFrames
}

// createMelFilterbank создаёт mel-фильтры.
// Реализация совместима с torchaudio/librosa (работает в Hz, не в bin indices)
func createMelFilterbank(nFFT, nMels, sampleRate int) [][]float64 {
	// HTK formula
	hzToMel := func(hz float64) float64 {
		return 2595.0 * math.Log10(1.0+hz/700.0)
	}
	melToHz := func(mel float64) float64 {
		return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
	}

	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	// Частоты для каждого FFT bin
	allFreqs := make([]float64, numBins)
	for i := 0; i < numBins; i++ {
		allFreqs[i] = float64(i) * fMax / float64(numBins-1)
	}

	// Mel points: left edge, центры, right edge
	mMin := hzToMel(0)
	mMax := hzToMel(fMax)
	fPts := make([]float64, nMels+2)
	for i := 0; i < nMels+2; i++ {
		mel := mMin + float64(i)*(mMax-mMin)/float64(nMels+1)
		fPts[i] = melToHz(mel)
	}

	fDiff := make([]float64, nMels+1)
	for i := 0; i < nMels+1; i++ {
		fDiff[i] = fPts[i+1] - fPts[i]
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filters[m] = make([]float64, numBins)

		for k := 0; k < numBins; k++ {
			freq := allFreqs[k]

			lower := (freq - fPts[m]) / fDiff[m]
			upper := (fPts[m+2] - freq) / fDiff[m+1]

			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val
		}
	}

	return filters
}

// createHannWindow создаёт окно Ханна
func createHannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}
