package session

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/huanglizhuo/VoxNote/audio"
)

// Параметры завершающей нормализации. Усиление применяется только к файлу
// заметки после остановки записи, поток распознавания всегда идёт как есть.
const (
	NormalizeTargetPeak = 0.95
	NormalizeMaxGain    = 4.0
)

// NormalizeWAV поднимает тихую запись до целевого пика и атомарно
// переписывает файл (tmp + rename). Возвращает применённое усиление;
// 1.0 означает, что файл не трогали.
func NormalizeWAV(path string, targetPeak, maxGain float32) (float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 1.0, fmt.Errorf("failed to open WAV: %w", err)
	}

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		f.Close()
		return 1.0, fmt.Errorf("failed to decode WAV: %w", err)
	}
	f.Close()

	if buf == nil || len(buf.Data) == 0 {
		return 1.0, nil
	}

	bitDepth := int(d.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	var peak float64
	for _, s := range buf.Data {
		v := math.Abs(float64(s)) / scale
		if v > peak {
			peak = v
		}
	}

	gain := audio.NormalizationGain(float32(peak), targetPeak, maxGain)
	if gain == 1.0 {
		return 1.0, nil
	}

	limit := int(scale) - 1
	for i, s := range buf.Data {
		v := int(math.Round(float64(s) * float64(gain)))
		if v > limit {
			v = limit
		} else if v < -int(scale) {
			v = -int(scale)
		}
		buf.Data[i] = v
	}

	tmp := path + ".tmp"
	if err := writeWAVBuffer(tmp, buf, bitDepth); err != nil {
		os.Remove(tmp)
		return 1.0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 1.0, fmt.Errorf("failed to replace WAV: %w", err)
	}

	log.Printf("Normalize: %s peak=%.3f gain=%.2f", filepath.Base(path), peak, gain)
	return gain, nil
}

func writeWAVBuffer(path string, buf *gaudio.IntBuffer, bitDepth int) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create WAV: %w", err)
	}

	enc := wav.NewEncoder(out, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		enc.Close()
		out.Close()
		return fmt.Errorf("failed to encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MeasureDuration возвращает длительность WAV файла в секундах по данным
// из заголовка. Предпочтительнее wall-clock: не включает паузы старта
// устройства и потерянные блоки.
func MeasureDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAV: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	dur, err := d.Duration()
	if err != nil {
		return 0, fmt.Errorf("failed to read WAV duration: %w", err)
	}
	return dur.Seconds(), nil
}

// ReadWAVMono декодирует WAV в моно float32 и приводит к targetRate.
// Используется при импорте файлов и при экспорте в MP3. Возвращает сэмплы
// и исходную длительность в секундах.
func ReadWAVMono(path string, targetRate int) ([]float32, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open WAV: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode WAV: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("invalid WAV file: %s", path)
	}

	bitDepth := int(d.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	frames := len(buf.Data) / channels

	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		mono[i] = sum / float32(channels)
	}

	duration := float64(frames) / float64(buf.Format.SampleRate)
	if targetRate > 0 && buf.Format.SampleRate != targetRate {
		mono = resampleLinear(mono, buf.Format.SampleRate, targetRate)
	}
	return mono, duration, nil
}
