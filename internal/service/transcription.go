package service

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/huanglizhuo/VoxNote/ai"
	"github.com/huanglizhuo/VoxNote/session"
)

// StreamSession интерфейс потоковой сессии распознавания. Реализуется
// ai.StreamEngine; в тестах подменяется фейком.
type StreamSession interface {
	Ready() bool
	Feed(samples []float32)
	FeedSync(samples []float32) error
	Finish() error
	Reset() error
	Updates() <-chan ai.StreamUpdate
}

// SessionState состояние живой транскрипции. Единственный владелец —
// координатор; наружу уходят только копии через Snapshot.
type SessionState struct {
	Source          session.CaptureSource       `json:"source"`
	ConfirmedText   string                      `json:"confirmedText"`
	ProvisionalText string                      `json:"provisionalText"`
	UnsegmentedTail string                      `json:"unsegmentedTail"`
	Segments        []session.TranscriptSegment `json:"segments"`
	TokensPerSecond float64                     `json:"tokensPerSecond"`
}

// TranscriptionCoordinator ведёт одну потоковую сессию распознавания:
// Idle -> Recording -> Idle. События движка разбирает выделенная горутина,
// и только она мутирует SessionState (под мьютексом). FeedAudio с этим
// состоянием не синхронизируется вовсе: атомарный флаг плюс неблокирующий
// Feed движка, чтобы воркер захвата никогда не ждал.
type TranscriptionCoordinator struct {
	engine StreamSession

	mu               sync.Mutex
	recording        bool
	state            SessionState
	segmenter        SentenceSegmenter
	startTime        time.Time
	lastRawConfirmed string
	stopConsumer     chan struct{}
	consumerDone     chan struct{}

	feeding atomic.Bool

	clock func() time.Time

	// Колбэки зовутся из горутины событий, вне мьютекса
	OnDisplay func(confirmed, provisional string)
	OnSegment func(segment session.TranscriptSegment)
	OnStats   func(tokensPerSecond float64)
	OnEnded   func(finalText string)
	OnError   func(err error)
}

// NewTranscriptionCoordinator создаёт координатор поверх движка.
// engine может быть nil: тогда Start вернёт ErrModelNotLoaded.
func NewTranscriptionCoordinator(engine StreamSession) *TranscriptionCoordinator {
	return &TranscriptionCoordinator{
		engine: engine,
		clock:  time.Now,
	}
}

// Start открывает новую сессию. Две активные сессии невозможны: повторный
// вызов возвращает ErrAlreadyRecording.
func (c *TranscriptionCoordinator) Start(source session.CaptureSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		return ErrAlreadyRecording
	}
	if c.engine == nil || !c.engine.Ready() {
		return ErrModelNotLoaded
	}

	if err := c.engine.Reset(); err != nil {
		return fmt.Errorf("failed to reset engine: %w", err)
	}

	// Канал событий мог накопить хвост от прошлой сессии: её консьюмер
	// уже вышел. Выгребаем до пустоты, чтобы старый текст не попал в новую.
	c.drainStaleUpdates()

	c.state = SessionState{Source: source}
	c.segmenter.Reset()
	c.lastRawConfirmed = ""
	c.startTime = c.clock()
	c.stopConsumer = make(chan struct{})
	c.consumerDone = make(chan struct{})
	c.recording = true
	c.feeding.Store(true)

	go c.consumeEvents(c.stopConsumer, c.consumerDone)

	log.Printf("Coordinator: streaming started (source=%s)", source)
	return nil
}

func (c *TranscriptionCoordinator) drainStaleUpdates() {
	updates := c.engine.Updates()
	for {
		select {
		case <-updates:
		default:
			return
		}
	}
}

// FeedAudio отдаёт моно-буфер на распознавание. Вызывается из воркера
// захвата; не блокируется и не трогает состояние сессии.
func (c *TranscriptionCoordinator) FeedAudio(samples []float32) {
	if !c.feeding.Load() {
		return
	}
	c.engine.Feed(samples)
}

// FeedAudioSync отдаёт буфер на распознавание с блокировкой до записи в
// движок. Для импорта файлов, где очередь с вытеснением не годится.
func (c *TranscriptionCoordinator) FeedAudioSync(samples []float32) error {
	if !c.feeding.Load() {
		return ErrNotRecording
	}
	return c.engine.FeedSync(samples)
}

// Stop закрывает сессию штатно: движок дообрабатывает накопленное аудио и
// присылает финальный текст. Если ended не пришёл за timeout, сессия
// снимается жёстко через Cancel.
func (c *TranscriptionCoordinator) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.feeding.Store(false)
	done := c.consumerDone
	c.mu.Unlock()

	if err := c.engine.Finish(); err != nil {
		log.Printf("Coordinator: finish failed: %v", err)
		c.Cancel()
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		log.Printf("Coordinator: no ended event within %v, cancelling", timeout)
		c.Cancel()
		return fmt.Errorf("stop timed out after %v", timeout)
	}
}

// Cancel немедленно возвращает координатор в Idle, не дожидаясь финального
// текста. Путь восстановления после ошибок.
func (c *TranscriptionCoordinator) Cancel() {
	c.mu.Lock()
	if !c.recording && c.stopConsumer == nil {
		c.mu.Unlock()
		return
	}
	c.recording = false
	c.feeding.Store(false)
	stop := c.stopConsumer
	done := c.consumerDone
	c.stopConsumer = nil
	c.state.ProvisionalText = ""
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
	if c.engine != nil {
		if err := c.engine.Reset(); err != nil {
			log.Printf("Coordinator: reset after cancel failed: %v", err)
		}
	}
	log.Printf("Coordinator: streaming cancelled")
}

// Recording сообщает, активна ли сессия
func (c *TranscriptionCoordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// StartTime возвращает момент старта текущей сессии
func (c *TranscriptionCoordinator) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// Snapshot возвращает копию состояния сессии
func (c *TranscriptionCoordinator) Snapshot() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.Segments = append([]session.TranscriptSegment(nil), c.state.Segments...)
	return st
}

// ApplySpeakers проставляет метки спикеров уже выданным сегментам по ID.
// Единственная разрешённая мутация сегмента после выдачи. Возвращает копию
// сегментов с метками.
func (c *TranscriptionCoordinator) ApplySpeakers(labels map[string]string) []session.TranscriptSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Segments {
		if label, ok := labels[c.state.Segments[i].ID]; ok {
			c.state.Segments[i].Speaker = label
		}
	}
	return append([]session.TranscriptSegment(nil), c.state.Segments...)
}

// consumeEvents разбирает события движка строго в порядке поступления.
// Выходит по ended (штатное завершение) или по закрытию stop (Cancel).
func (c *TranscriptionCoordinator) consumeEvents(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	updates := c.engine.Updates()

	for {
		select {
		case <-stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			switch update.Kind {
			case ai.UpdateText:
				c.handleText(update)
			case ai.UpdateError:
				log.Printf("Coordinator: engine error: %v", update.Err)
				if c.OnError != nil && update.Err != nil {
					c.OnError(update.Err)
				}
			case ai.UpdateEnded:
				c.handleEnded(update.Text)
				return
			}
		}
	}
}

func (c *TranscriptionCoordinator) handleText(update ai.StreamUpdate) {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}

	var newSegments []session.TranscriptSegment
	if update.IsConfirmed {
		// Сырой confirmed сравнивается до переформатирования: движок
		// часто шлёт один и тот же текст повторно.
		if update.Text == c.lastRawConfirmed {
			c.mu.Unlock()
			return
		}
		c.lastRawConfirmed = update.Text
		c.state.ConfirmedText = reformatConfirmed(update.Text)
		c.state.ProvisionalText = ""

		elapsed := c.clock().Sub(c.startTime).Seconds()
		newSegments = c.segmenter.Update(update.Text, elapsed)
		c.state.Segments = append(c.state.Segments, newSegments...)
		c.state.UnsegmentedTail = c.segmenter.Tail()
	} else {
		c.state.ProvisionalText = update.Text
	}

	if update.TokensPerSecond > 0 {
		c.state.TokensPerSecond = update.TokensPerSecond
	}

	confirmed := c.state.ConfirmedText
	provisional := c.state.ProvisionalText
	tps := c.state.TokensPerSecond
	c.mu.Unlock()

	if c.OnDisplay != nil {
		c.OnDisplay(confirmed, provisional)
	}
	if c.OnSegment != nil {
		for _, seg := range newSegments {
			c.OnSegment(seg)
		}
	}
	if c.OnStats != nil && update.TokensPerSecond > 0 {
		c.OnStats(tps)
	}
}

func (c *TranscriptionCoordinator) handleEnded(finalText string) {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	c.recording = false
	c.feeding.Store(false)
	c.stopConsumer = nil

	elapsed := c.clock().Sub(c.startTime).Seconds()

	var newSegments []session.TranscriptSegment
	if finalText != "" && finalText != c.lastRawConfirmed {
		c.lastRawConfirmed = finalText
		c.state.ConfirmedText = reformatConfirmed(finalText)
		newSegments = c.segmenter.Update(finalText, elapsed)
	}
	newSegments = append(newSegments, c.segmenter.Flush(elapsed)...)
	c.state.Segments = append(c.state.Segments, newSegments...)
	c.state.ProvisionalText = ""
	c.state.UnsegmentedTail = ""

	confirmed := c.state.ConfirmedText
	total := len(c.state.Segments)
	c.mu.Unlock()

	if c.OnSegment != nil {
		for _, seg := range newSegments {
			c.OnSegment(seg)
		}
	}
	if c.OnDisplay != nil {
		c.OnDisplay(confirmed, "")
	}
	if c.OnEnded != nil {
		c.OnEnded(confirmed)
	}
	log.Printf("Coordinator: streaming ended (%d segments)", total)
}

// reformatConfirmed вставляет переносы строк между предложениями для
// отображения. Хвостовые пробелы в конце текста не трогаются: за ними ещё
// может прийти продолжение. Нарезка на сегменты идёт по сырому тексту,
// а не по этому.
func reformatConfirmed(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 16)
	i := 0

	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		b.WriteRune(r)
		i += size
		if !isSentenceTerminal(r) {
			continue
		}

		// Поглощаем остаток пунктуационного набора: «?!», «...»
		cjk := isCJKTerminal(r)
		for i < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[i:])
			if !isSentenceTerminal(r2) {
				break
			}
			if isCJKTerminal(r2) {
				cjk = true
			}
			b.WriteRune(r2)
			i += s2
		}

		// Пробельный разрыв до следующего предложения
		j := i
		for j < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsSpace(r2) {
				break
			}
			j += s2
		}

		switch {
		case j > i && j < len(text):
			// За знаком пробелы и дальше текст: перенос вместо них
			b.WriteByte('\n')
			i = j
		case j == i && j < len(text) && cjk:
			// CJK не разделяет предложения пробелами
			b.WriteByte('\n')
		}
	}
	return b.String()
}
