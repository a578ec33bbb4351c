package service

import (
	"sync"
	"testing"
	"time"

	"github.com/huanglizhuo/VoxNote/ai"
	"github.com/huanglizhuo/VoxNote/session"
)

type fakeDiarizer struct {
	mu     sync.Mutex
	calls  int
	block  chan struct{} // если задан, Diarize ждёт его закрытия
	result []ai.SpeakerSegment
	err    error
}

func (f *fakeDiarizer) Diarize(samples []float32) ([]ai.SpeakerSegment, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.result, f.err
}

func (f *fakeDiarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func seg(id string, ts float64) session.TranscriptSegment {
	return session.TranscriptSegment{ID: id, Timestamp: ts, Text: "x"}
}

func TestAssignSpeakers(t *testing.T) {
	intervals := []ai.SpeakerSegment{
		{Start: 0, End: 5, Speaker: 0},
		{Start: 5, End: 9, Speaker: 1},
		{Start: 12, End: 20, Speaker: 0},
	}

	segments := []session.TranscriptSegment{
		seg("a", 1.0),  // внутри первого интервала
		seg("b", 5.0),  // ровно на границе: принадлежит второму (start <= t < end)
		seg("c", 10.5), // дыра между интервалами: ближайший start = 12
		seg("d", 30.0), // за концом: ближайший start = 12
	}

	labels := AssignSpeakers(segments, intervals)
	want := map[string]string{
		"a": "Собеседник 1",
		"b": "Собеседник 2",
		"c": "Собеседник 1",
		"d": "Собеседник 1",
	}
	for id, label := range want {
		if labels[id] != label {
			t.Errorf("segment %s: label = %q, want %q", id, labels[id], label)
		}
	}

	if got := AssignSpeakers(nil, intervals); got != nil {
		t.Errorf("no segments: want nil, got %v", got)
	}
	if got := AssignSpeakers(segments, nil); got != nil {
		t.Errorf("no intervals: want nil, got %v", got)
	}
}

func TestSpeakerSamples(t *testing.T) {
	rate := 100
	samples := make([]float32, 10*rate)
	for i := range samples {
		samples[i] = float32(i)
	}
	intervals := []ai.SpeakerSegment{
		{Start: 0, End: 2, Speaker: 0},
		{Start: 3, End: 4, Speaker: 1},
		{Start: 5, End: 20, Speaker: 0}, // конец за пределами буфера
	}

	out := SpeakerSamples(samples, rate, intervals, 60)
	if len(out) != 2 {
		t.Fatalf("speakers = %d, want 2", len(out))
	}
	// Спикер 0: [0,2s) + [5s, конец буфера) = 200 + 500 семплов
	if len(out[0]) != 700 {
		t.Errorf("speaker 0 samples = %d, want 700", len(out[0]))
	}
	if len(out[1]) != 100 {
		t.Errorf("speaker 1 samples = %d, want 100", len(out[1]))
	}
	if out[1][0] != float32(3*rate) {
		t.Errorf("speaker 1 starts at %v, want %v", out[1][0], float32(3*rate))
	}

	// Потолок на спикера
	capped := SpeakerSamples(samples, rate, intervals, 1.5)
	if len(capped[0]) != 150 {
		t.Errorf("capped speaker 0 samples = %d, want 150", len(capped[0]))
	}
}

func TestAlignerDebounce(t *testing.T) {
	fd := &fakeDiarizer{result: []ai.SpeakerSegment{{Start: 0, End: 1, Speaker: 0}}}
	a := NewDiarizationAligner(fd)
	a.debounce = 30 * time.Millisecond
	a.Samples = func() []float32 { return make([]float32, minDiarizationSamples) }

	var resMu sync.Mutex
	var results int
	a.OnLiveResult = func(intervals []ai.SpeakerSegment) {
		resMu.Lock()
		results++
		resMu.Unlock()
	}

	// Серия быстрых триггеров схлопывается в один прогон
	a.Trigger()
	a.Trigger()
	a.Trigger()
	waitFor(t, "single debounced run", func() bool { return fd.callCount() == 1 })
	time.Sleep(60 * time.Millisecond)
	if fd.callCount() != 1 {
		t.Fatalf("diarize calls = %d, want 1", fd.callCount())
	}
	resMu.Lock()
	if results != 1 {
		t.Fatalf("live results = %d, want 1", results)
	}
	resMu.Unlock()
}

func TestAlignerDropsWhileBusy(t *testing.T) {
	block := make(chan struct{})
	fd := &fakeDiarizer{block: block}
	a := NewDiarizationAligner(fd)
	a.debounce = 10 * time.Millisecond
	a.Samples = func() []float32 { return make([]float32, minDiarizationSamples) }
	a.OnLiveResult = func(intervals []ai.SpeakerSegment) {}

	a.Trigger()
	waitFor(t, "first run started", func() bool { return fd.callCount() == 1 })

	// Пока первый прогон висит, повторный триггер должен пропасть
	a.Trigger()
	time.Sleep(50 * time.Millisecond)
	if fd.callCount() != 1 {
		t.Fatalf("busy drop failed: calls = %d, want 1", fd.callCount())
	}
	close(block)
}

func TestAlignerRunFinal(t *testing.T) {
	fd := &fakeDiarizer{result: []ai.SpeakerSegment{{Start: 0, End: 1, Speaker: 0}}}
	a := NewDiarizationAligner(fd)
	a.debounce = time.Hour // отложенный живой прогон не должен успеть
	a.Samples = func() []float32 { return make([]float32, minDiarizationSamples) }
	a.OnLiveResult = func(intervals []ai.SpeakerSegment) {}

	a.Trigger()
	intervals, err := a.RunFinal(make([]float32, minDiarizationSamples))
	if err != nil {
		t.Fatalf("RunFinal: %v", err)
	}
	if len(intervals) != 1 {
		t.Fatalf("intervals = %d, want 1", len(intervals))
	}
	time.Sleep(30 * time.Millisecond)
	if fd.callCount() != 1 {
		t.Fatalf("pending live run not cancelled: calls = %d", fd.callCount())
	}

	// Короткий буфер: прогона нет
	short, err := a.RunFinal(make([]float32, 10))
	if err != nil || short != nil {
		t.Fatalf("short buffer: got %v, %v", short, err)
	}
}

func TestAlignerNilDiarizer(t *testing.T) {
	a := NewDiarizationAligner(nil)
	a.Trigger()
	a.Cancel()
	if intervals, err := a.RunFinal(make([]float32, minDiarizationSamples)); intervals != nil || err != nil {
		t.Fatalf("nil diarizer: got %v, %v", intervals, err)
	}
}
