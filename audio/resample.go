package audio

import "math"

// Запас кадров сверх точного отношения частот, покрывает округление
// на границах блоков.
const resampleMargin = 64

// Resampler приводит блоки устройства к моно-потоку фиксированной частоты
// для распознавания. Выходной буфер преаллоцирован под MaxBlockFrames,
// на горячем пути аллокаций нет. Файловый поток ресемплеру не нужен:
// файл пишется в исходной частоте и раскладке устройства, нормализация
// выполняется отдельным проходом после остановки записи.
type Resampler struct {
	srcRate int
	dstRate int
	mono    []float32
	dropped uint64
}

func NewResampler(srcRate, dstRate int) *Resampler {
	capacity := int(float64(MaxBlockFrames)*float64(dstRate)/float64(srcRate)) + resampleMargin
	return &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		mono:    make([]float32, capacity),
	}
}

// Convert выполняет линейную интерполяцию выбранного канала блока в частоту
// распознавателя. Возвращённый срез валиден до следующего вызова Convert:
// получатель обязан скопировать данные, не задерживая воркер.
//
// Если расчётный размер выхода не помещается в преаллоцированный буфер,
// блок молча отбрасывается (политика ограниченных потерь: короткий пробел
// в аудио вместо аллокации на горячем пути). Счётчик доступен через Dropped.
func (r *Resampler) Convert(blk *AudioBlock) ([]float32, bool) {
	if blk == nil || blk.Frames == 0 || blk.Channels <= 0 {
		return nil, false
	}

	srcRate := r.srcRate
	if blk.Rate > 0 {
		srcRate = blk.Rate
	}

	outFrames := int(float64(blk.Frames) * float64(r.dstRate) / float64(srcRate))
	if outFrames <= 0 {
		return nil, false
	}
	if outFrames > len(r.mono) {
		r.dropped++
		return nil, false
	}

	ch := blk.Selected
	if ch < 0 || ch >= blk.Channels {
		ch = 0
	}
	stride := blk.Channels
	samples := blk.Samples

	if srcRate == r.dstRate {
		for i := 0; i < outFrames; i++ {
			r.mono[i] = samples[i*stride+ch]
		}
		return r.mono[:outFrames], true
	}

	ratio := float64(srcRate) / float64(r.dstRate)
	last := blk.Frames - 1
	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= last {
			r.mono[i] = samples[last*stride+ch]
			continue
		}
		frac := float32(srcPos - float64(srcIdx))
		s0 := samples[srcIdx*stride+ch]
		s1 := samples[(srcIdx+1)*stride+ch]
		r.mono[i] = s0*(1-frac) + s1*frac
	}
	return r.mono[:outFrames], true
}

// Dropped возвращает количество блоков, отброшенных из-за нехватки
// ёмкости выходного буфера.
func (r *Resampler) Dropped() uint64 {
	return r.dropped
}

// DstRate возвращает целевую частоту.
func (r *Resampler) DstRate() int {
	return r.dstRate
}

// SelectChannel выбирает канал с максимальной суммой квадратов сэмплов.
// Защищает от многоканальных loopback-адаптеров, где сигнал сосредоточен
// в одном канале, а остальные — тишина или шум.
func SelectChannel(samples []float32, channels int) int {
	if channels <= 1 {
		return 0
	}

	frames := len(samples) / channels
	best := 0
	bestEnergy := -1.0
	for ch := 0; ch < channels; ch++ {
		var energy float64
		for i := 0; i < frames; i++ {
			s := float64(samples[i*channels+ch])
			energy += s * s
		}
		if energy > bestEnergy {
			bestEnergy = energy
			best = ch
		}
	}
	return best
}

// ChannelRMS считает среднеквадратичный уровень одного канала
// interleaved-буфера.
func ChannelRMS(samples []float32, channels, ch int) float64 {
	if channels <= 0 || ch < 0 || ch >= channels {
		return 0
	}
	frames := len(samples) / channels
	if frames == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < frames; i++ {
		s := float64(samples[i*channels+ch])
		sum += s * s
	}
	return math.Sqrt(sum / float64(frames))
}

// RMS считает среднеквадратичный уровень моно-буфера.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak возвращает максимальную амплитуду по модулю.
func Peak(samples []float32) float32 {
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

// NormalizationGain вычисляет усиление для файлового потока: тихий сигнал
// подтягивается к целевому пику, но не больше maxGain; сигнал на целевом
// уровне или выше не трогаем. К потоку распознавания усиление не
// применяется никогда.
func NormalizationGain(peak, target, maxGain float32) float32 {
	if peak <= 0 || peak >= target {
		return 1.0
	}
	gain := target / peak
	if gain > maxGain {
		gain = maxGain
	}
	return gain
}

// ApplyGain применяет усиление с зажимом в допустимый диапазон [-1, 1].
func ApplyGain(samples []float32, gain float32) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		v := s * gain
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		samples[i] = v
	}
}
