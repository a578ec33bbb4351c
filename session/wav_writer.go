package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// WAVWriter потоковый писатель WAV файлов. Пишет PCM16 по мере поступления
// блоков; заголовок с размером данных обновляется через FlushHeader, чтобы
// файл оставался читаемым после аварийного завершения.
type WAVWriter struct {
	file           *os.File
	filePath       string
	sampleRate     int
	channels       int
	bitsPerSample  int
	samplesWritten int64
	scratch        []byte
	mu             sync.Mutex
}

// NewWAVWriter создаёт файл и пишет placeholder-заголовок
func NewWAVWriter(filePath string, sampleRate, channels, bitsPerSample int) (*WAVWriter, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w := &WAVWriter{
		file:          file,
		filePath:      filePath,
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bitsPerSample,
	}

	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAVWriter) writeHeader() error {
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}

	byteRate := w.sampleRate * w.channels * w.bitsPerSample / 8
	blockAlign := w.channels * w.bitsPerSample / 8
	dataSize := uint32(w.samplesWritten * int64(w.bitsPerSample/8))

	// RIFF header
	w.file.WriteString("RIFF")
	binary.Write(w.file, binary.LittleEndian, uint32(36+dataSize))
	w.file.WriteString("WAVE")

	// fmt chunk
	w.file.WriteString("fmt ")
	binary.Write(w.file, binary.LittleEndian, uint32(16))           // chunk size
	binary.Write(w.file, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(w.file, binary.LittleEndian, uint16(w.channels))   // channels
	binary.Write(w.file, binary.LittleEndian, uint32(w.sampleRate)) // sample rate
	binary.Write(w.file, binary.LittleEndian, uint32(byteRate))     // byte rate
	binary.Write(w.file, binary.LittleEndian, uint16(blockAlign))   // block align
	binary.Write(w.file, binary.LittleEndian, uint16(w.bitsPerSample))

	// data chunk
	w.file.WriteString("data")
	return binary.Write(w.file, binary.LittleEndian, dataSize)
}

// Write конвертирует float32 сэмплы в PCM16 и дописывает их в файл.
// Зовётся только из воркера захвата; scratch переиспользуется между блоками.
func (w *WAVWriter) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(samples) * 2
	if cap(w.scratch) < need {
		w.scratch = make([]byte, need)
	}
	buf := w.scratch[:need]

	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}

	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.samplesWritten += int64(len(samples))
	return nil
}

// SamplesWritten возвращает количество записанных сэмплов (по всем каналам)
func (w *WAVWriter) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesWritten
}

// Duration возвращает длительность записанного аудио в секундах
func (w *WAVWriter) Duration() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := w.samplesWritten / int64(w.channels)
	return float64(frames) / float64(w.sampleRate)
}

// Finalize обновляет заголовок окончательным размером данных
func (w *WAVWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeader()
}

// FlushHeader обновляет заголовок, не прерывая запись. Вызывается при
// автосохранении: после сбоя файл остаётся валидным WAV по последнему флашу.
func (w *WAVWriter) FlushHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, err := w.file.Seek(0, 1)
	if err != nil {
		return err
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	_, err = w.file.Seek(pos, 0)
	return err
}

// Close финализирует заголовок и закрывает файл
func (w *WAVWriter) Close() error {
	w.Finalize()
	return w.file.Close()
}

// FilePath возвращает путь к файлу
func (w *WAVWriter) FilePath() string {
	return w.filePath
}
