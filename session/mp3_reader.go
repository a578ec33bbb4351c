package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Reader читает MP3 файлы на чистом Go
type MP3Reader struct {
	decoder    *mp3.Decoder
	file       *os.File
	sampleRate int
	channels   int
	length     int64 // длина PCM в байтах (signed 16-bit stereo)
}

// NewMP3Reader открывает MP3 файл для чтения
func NewMP3Reader(filePath string) (*MP3Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	return &MP3Reader{
		decoder:    decoder,
		file:       file,
		sampleRate: decoder.SampleRate(),
		channels:   2, // go-mp3 всегда декодирует в стерео
		length:     decoder.Length(),
	}, nil
}

// SampleRate возвращает частоту дискретизации
func (r *MP3Reader) SampleRate() int {
	return r.sampleRate
}

// Channels возвращает количество каналов
func (r *MP3Reader) Channels() int {
	return r.channels
}

// Duration возвращает длительность в секундах
func (r *MP3Reader) Duration() float64 {
	// 4 байта на фрейм: 16-bit stereo
	frames := r.length / 4
	return float64(frames) / float64(r.sampleRate)
}

// ReadAllStereo читает весь файл и возвращает каналы раздельно (left, right)
func (r *MP3Reader) ReadAllStereo() ([]float32, []float32, error) {
	pcmData := make([]byte, r.length)
	n, err := io.ReadFull(r.decoder, pcmData)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, fmt.Errorf("failed to read PCM data: %w", err)
	}
	pcmData = pcmData[:n]

	numSamples := n / 4

	left := make([]float32, numSamples)
	right := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		leftSample := int16(binary.LittleEndian.Uint16(pcmData[i*4:]))
		rightSample := int16(binary.LittleEndian.Uint16(pcmData[i*4+2:]))
		left[i] = float32(leftSample) / 32768.0
		right[i] = float32(rightSample) / 32768.0
	}
	return left, right, nil
}

// ReadAllMono читает весь файл и возвращает моно (среднее каналов)
func (r *MP3Reader) ReadAllMono() ([]float32, error) {
	left, right, err := r.ReadAllStereo()
	if err != nil {
		return nil, err
	}

	mono := make([]float32, len(left))
	for i := 0; i < len(left); i++ {
		mono[i] = (left[i] + right[i]) / 2.0
	}
	return mono, nil
}

// Close закрывает файл
func (r *MP3Reader) Close() error {
	return r.file.Close()
}

// ImportMP3 декодирует MP3 целиком в моно float32 на targetRate.
// Возвращает сэмплы и исходную длительность в секундах.
func ImportMP3(path string, targetRate int) ([]float32, float64, error) {
	r, err := NewMP3Reader(path)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	mono, err := r.ReadAllMono()
	if err != nil {
		return nil, 0, err
	}

	duration := float64(len(mono)) / float64(r.SampleRate())
	if targetRate > 0 && r.SampleRate() != targetRate {
		mono = resampleLinear(mono, r.SampleRate(), targetRate)
	}
	return mono, duration, nil
}

// resampleLinear выполняет линейную интерполяцию для ресемплинга
func resampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	newLen := int(float64(len(samples)) / ratio)
	resampled := make([]float32, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		if srcIdx+1 < len(samples) {
			resampled[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
		} else if srcIdx < len(samples) {
			resampled[i] = samples[srcIdx]
		}
	}
	return resampled
}
