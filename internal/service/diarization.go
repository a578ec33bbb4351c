package service

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/huanglizhuo/VoxNote/ai"
	"github.com/huanglizhuo/VoxNote/session"
)

const (
	// Живой прогон диаризации стартует не раньше этой паузы после
	// последнего нового сегмента
	liveDiarizationDebounce = 2 * time.Second
	// Короче секунды размечать нечего
	minDiarizationSamples = session.RecognizerSampleRate
)

// Diarizer то, что умеет размечать спикеров по аудио. Реализуется
// ai.Diarizer.
type Diarizer interface {
	Diarize(samples []float32) ([]ai.SpeakerSegment, error)
}

// SpeakerLabel форматирует индекс спикера из диаризации (с нуля) в
// человекочитаемую метку (с единицы)
func SpeakerLabel(index int) string {
	return fmt.Sprintf("Собеседник %d", index+1)
}

// AssignSpeakers сопоставляет сегментам транскрипта метки спикеров по
// интервалам диаризации. Для сегмента со временем t берётся интервал
// start <= t < end; если ни один не накрывает, берётся интервал с ближайшим
// start. Возвращает метки по ID сегментов; при пустых входах — nil.
func AssignSpeakers(segments []session.TranscriptSegment, intervals []ai.SpeakerSegment) map[string]string {
	if len(segments) == 0 || len(intervals) == 0 {
		return nil
	}

	labels := make(map[string]string, len(segments))
	for _, seg := range segments {
		t := float32(seg.Timestamp)
		speaker := -1
		for _, iv := range intervals {
			if iv.Start <= t && t < iv.End {
				speaker = iv.Speaker
				break
			}
		}
		if speaker < 0 {
			best := float32(math.MaxFloat32)
			for _, iv := range intervals {
				d := iv.Start - t
				if d < 0 {
					d = -d
				}
				if d < best {
					best = d
					speaker = iv.Speaker
				}
			}
		}
		labels[seg.ID] = SpeakerLabel(speaker)
	}
	return labels
}

// SpeakerSamples собирает аудио каждого спикера из общего буфера по
// интервалам диаризации, не больше maxSeconds на спикера. Используется для
// отпечатков голоса: эмбеддингу длиннее не нужно.
func SpeakerSamples(samples []float32, sampleRate int, intervals []ai.SpeakerSegment, maxSeconds float64) map[int][]float32 {
	if len(samples) == 0 || len(intervals) == 0 || sampleRate <= 0 {
		return nil
	}
	limit := int(maxSeconds * float64(sampleRate))

	out := make(map[int][]float32)
	for _, iv := range intervals {
		start := int(float64(iv.Start) * float64(sampleRate))
		end := int(float64(iv.End) * float64(sampleRate))
		if start < 0 {
			start = 0
		}
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			continue
		}
		cur := out[iv.Speaker]
		if len(cur) >= limit {
			continue
		}
		chunk := samples[start:end]
		if len(cur)+len(chunk) > limit {
			chunk = chunk[:limit-len(cur)]
		}
		out[iv.Speaker] = append(cur, chunk...)
	}
	return out
}

// DiarizationAligner гоняет диаризацию поверх растущей записи. Живые
// прогоны дебаунсятся и не ставятся в очередь: если прогон уже идёт, новый
// запрос пропадает — следующий сегмент всё равно переразметит весь буфер
// целиком. Финальный прогон один, на остановке записи.
type DiarizationAligner struct {
	diarizer Diarizer
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer

	// runMu держится на время прогона: живой берёт TryLock (сброс при
	// занятости), финальный ждёт
	runMu sync.Mutex

	// Samples выдаёт снимок накопленного аудио сессии
	Samples func() []float32
	// OnLiveResult получает интервалы очередного живого прогона
	OnLiveResult func(intervals []ai.SpeakerSegment)
}

// NewDiarizationAligner создаёт алайнер. diarizer может быть nil:
// тогда все методы молча бездействуют.
func NewDiarizationAligner(d Diarizer) *DiarizationAligner {
	return &DiarizationAligner{
		diarizer: d,
		debounce: liveDiarizationDebounce,
	}
}

// Trigger взводит (или перевзводит) таймер живого прогона
func (a *DiarizationAligner) Trigger() {
	if a.diarizer == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.runLive)
}

// Cancel снимает отложенный живой прогон. Идущий прогон не прерывается:
// нативный вызов диаризации прервать нельзя, он дорабатывает вхолостую.
func (a *DiarizationAligner) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *DiarizationAligner) runLive() {
	if a.Samples == nil || a.OnLiveResult == nil {
		return
	}
	if !a.runMu.TryLock() {
		log.Printf("Aligner: previous run still in flight, dropping")
		return
	}
	defer a.runMu.Unlock()

	samples := a.Samples()
	if len(samples) < minDiarizationSamples {
		return
	}

	started := time.Now()
	intervals, err := a.diarizer.Diarize(samples)
	if err != nil {
		log.Printf("Aligner: live diarization failed: %v", err)
		return
	}
	log.Printf("Aligner: live pass over %.1fs took %v, %d intervals",
		float64(len(samples))/float64(session.RecognizerSampleRate),
		time.Since(started).Round(time.Millisecond), len(intervals))
	a.OnLiveResult(intervals)
}

// RunFinal выполняет финальный прогон по полному буферу записи. Снимает
// отложенный живой прогон и дожидается идущего.
func (a *DiarizationAligner) RunFinal(samples []float32) ([]ai.SpeakerSegment, error) {
	if a.diarizer == nil {
		return nil, nil
	}
	a.Cancel()
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if len(samples) < minDiarizationSamples {
		return nil, nil
	}
	return a.diarizer.Diarize(samples)
}
