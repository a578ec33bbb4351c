package session

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// MP3Writer стриминговый писатель MP3 через shine-mp3 (чистый Go).
// Используется только при экспорте заметок, не в пайплайне записи.
type MP3Writer struct {
	file       *os.File
	encoder    *mp3.Encoder
	filePath   string
	sampleRate int
	channels   int

	// shine кодирует блоками по 1152 сэмпла на канал, буфер копит остаток
	buffer []int16

	samplesWritten int64
	startTime      time.Time
	mu             sync.Mutex
	closed         bool
}

// NewMP3Writer создаёт новый MP3 writer
func NewMP3Writer(filePath string, sampleRate, channels int) (*MP3Writer, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &MP3Writer{
		file:       file,
		encoder:    mp3.NewEncoder(sampleRate, channels),
		filePath:   filePath,
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     make([]int16, 0, 8192),
		startTime:  time.Now(),
	}, nil
}

// Write записывает float32 сэмплы
func (w *MP3Writer) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	for _, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		w.buffer = append(w.buffer, int16(s*32767))
	}
	w.samplesWritten += int64(len(samples))

	// Кодируем, когда накопилось несколько полных блоков
	minBufferSize := 1152 * w.channels * 4
	if len(w.buffer) >= minBufferSize {
		w.encoder.Write(w.file, w.buffer)
		w.buffer = w.buffer[:0]
	}
	return nil
}

// SamplesWritten возвращает количество записанных сэмплов
func (w *MP3Writer) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesWritten
}

// Duration возвращает длительность записанного аудио
func (w *MP3Writer) Duration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := w.samplesWritten / int64(w.channels)
	return time.Duration(frames) * time.Second / time.Duration(w.sampleRate)
}

// Close дописывает хвост буфера и закрывает файл
func (w *MP3Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if len(w.buffer) > 0 {
		// Дополняем до размера блока нулями
		blockSize := 1152 * w.channels
		for len(w.buffer)%blockSize != 0 {
			w.buffer = append(w.buffer, 0)
		}
		w.encoder.Write(w.file, w.buffer)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// FilePath возвращает путь к файлу
func (w *MP3Writer) FilePath() string {
	return w.filePath
}

// ExportMP3 перекодирует WAV заметки в MP3 по указанному пути
func ExportMP3(wavPath, mp3Path string) error {
	samples, duration, err := ReadWAVMono(wavPath, RecognizerSampleRate)
	if err != nil {
		return fmt.Errorf("failed to read WAV for export: %w", err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("nothing to export: %s", wavPath)
	}

	w, err := NewMP3Writer(mp3Path, RecognizerSampleRate, 1)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		w.Close()
		os.Remove(mp3Path)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(mp3Path)
		return err
	}

	log.Printf("ExportMP3: %s (%.1f sec)", mp3Path, duration)
	return nil
}
