package service

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huanglizhuo/VoxNote/ai"
	"github.com/huanglizhuo/VoxNote/audio"
	"github.com/huanglizhuo/VoxNote/session"
	"github.com/huanglizhuo/VoxNote/voiceprint"
)

const (
	// Период автосохранения черновика; при сбое процесса теряется не
	// больше этого окна
	autosaveInterval = 5 * time.Second
	// Сколько ждём финальный текст движка после остановки захвата
	stopFinalTimeout = 30 * time.Second
	// Импорт файла может накопить движку длинный хвост
	importFinalTimeout = 2 * time.Minute
	// Пауза на доставку последних колбэков перед финальной записью
	teardownSettle = 200 * time.Millisecond
	// Порция синхронной подачи при импорте: одна секунда
	importChunkSamples = session.RecognizerSampleRate
	// Минимум речи спикера для построения голосового вектора: две секунды
	minVoiceprintSamples = 2 * session.RecognizerSampleRate
	// Сколько секунд речи одного спикера максимум идёт в вектор
	maxSpeakerSampleSeconds = 20.0
)

// CaptureDevice слой захвата, как его видит запись. Реализуется
// audio.Capture; в тестах подменяется фейком без обращения к железу.
type CaptureDevice interface {
	ListDevices() ([]audio.AudioDevice, error)
	Config() audio.CaptureConfig
	ClearBuffers()
	Start(deviceID string) error
	SystemTapSupported() bool
	StartSystemTap() error
	StopSystemTap()
	Stop() error
	Blocks() <-chan *audio.AudioBlock
	Levels() <-chan float64
	Release(blk *audio.AudioBlock)
	DroppedBlocks() uint64
}

// VoiceEncoder строит вектор голоса по фрагменту речи (16 кГц моно).
// Реализуется ai.SpeakerEncoder.
type VoiceEncoder interface {
	Encode(samples []float32) ([]float32, error)
}

// recordingState всё изменяемое состояние одной записи. Создаётся в
// StartRecording и живёт до конца StopRecording или CancelRecording.
type recordingState struct {
	noteID    string
	title     string
	createdAt time.Time
	source    session.CaptureSource
	audioPath string
	rate      int
	channels  int
	usingTap  bool
	stopping  bool // под s.mu; второй Stop/Cancel не проходит

	wav       *session.WAVWriter
	resampler *audio.Resampler

	// Моно 16 кГц с начала записи — вход диаризации
	samplesMu sync.Mutex
	samples   []float32

	stopWorker   chan struct{}
	workerDone   chan struct{}
	stopAutosave chan struct{}
	autosaveDone chan struct{}
}

// RecordingService ведёт жизненный цикл записи: устройство, черновик
// заметки, WAV в исходном формате источника, поток распознавания,
// автосохранение, финальная диаризация. Одна запись за раз.
type RecordingService struct {
	store       *session.Store
	capture     CaptureDevice
	coordinator *TranscriptionCoordinator
	aligner     *DiarizationAligner

	voiceprints *voiceprint.Store
	matcher     *voiceprint.Matcher
	encoder     VoiceEncoder

	mu        sync.Mutex
	rec       *recordingState
	importing bool

	// Потери ресемплера закрытых записей; живые смотрят в capture
	resampleDropped atomic.Uint64

	// Сэмплы по спикерам последней финальной диаризации, для
	// SaveVoiceprint
	speakerMu      sync.Mutex
	speakerSamples map[int][]float32

	autosaveEvery time.Duration

	// Колбэки зовутся вне s.mu
	OnDisplay  func(confirmed, provisional, tail string)
	OnSegment  func(segment session.TranscriptSegment)
	OnStats    func(tokensPerSecond float64)
	OnLevel    func(level float64)
	OnSpeakers func(noteID string, segments []session.TranscriptSegment)
	OnNote     func(note *session.Note)
	OnError    func(err error)
}

// NewRecordingService связывает запись с хранилищем, захватом,
// координатором распознавания и алайнером диаризации. Колбэки
// координатора и алайнера с этого момента принадлежат сервису.
func NewRecordingService(store *session.Store, capture CaptureDevice, coordinator *TranscriptionCoordinator, aligner *DiarizationAligner) *RecordingService {
	s := &RecordingService{
		store:         store,
		capture:       capture,
		coordinator:   coordinator,
		aligner:       aligner,
		autosaveEvery: autosaveInterval,
	}

	coordinator.OnDisplay = func(confirmed, provisional string) {
		if s.OnDisplay != nil {
			s.OnDisplay(confirmed, provisional, coordinator.Snapshot().UnsegmentedTail)
		}
	}
	coordinator.OnSegment = func(seg session.TranscriptSegment) {
		aligner.Trigger()
		if s.OnSegment != nil {
			s.OnSegment(seg)
		}
	}
	coordinator.OnStats = func(tps float64) {
		if s.OnStats != nil {
			s.OnStats(tps)
		}
	}
	coordinator.OnError = func(err error) {
		if s.OnError != nil {
			s.OnError(err)
		}
	}

	aligner.Samples = s.currentSamples
	aligner.OnLiveResult = s.applyLiveSpeakers

	return s
}

// SetVoiceprints включает именование спикеров по сохранённым отпечаткам.
// Без энкодера спикеры остаются с номерными метками.
func (s *RecordingService) SetVoiceprints(store *voiceprint.Store, encoder VoiceEncoder) {
	s.voiceprints = store
	s.encoder = encoder
	if store != nil {
		s.matcher = voiceprint.NewMatcher(store)
	}
}

// ListDevices возвращает устройства захвата
func (s *RecordingService) ListDevices() ([]audio.AudioDevice, error) {
	return s.capture.ListDevices()
}

// Recording сообщает, идёт ли запись или импорт
func (s *RecordingService) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil || s.importing
}

// Snapshot отдаёт текущее состояние транскрипции (для новых клиентов)
func (s *RecordingService) Snapshot() SessionState {
	return s.coordinator.Snapshot()
}

// Dropped возвращает суммарные потери аудио с запуска процесса: блоки,
// выброшенные колбэком захвата, плюс переполнения ресемплера
func (s *RecordingService) Dropped() uint64 {
	return s.capture.DroppedBlocks() + s.resampleDropped.Load()
}

// StartRecording начинает запись с устройства. Порядок строгий: черновик
// заметки и WAV создаются до старта захвата, чтобы автосейву всегда было
// куда писать. Пустой deviceID — устройство по умолчанию; для системного
// звука без deviceID берётся нативный тап, если он есть, иначе loopback.
func (s *RecordingService) StartRecording(deviceID string, source session.CaptureSource) (*session.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil || s.importing {
		return nil, ErrAlreadyRecording
	}
	if source == "" {
		source = session.SourceMicrophone
	}

	// 1. Резолв устройства
	useTap := false
	resolvedID := ""
	switch {
	case source == session.SourceSystem && deviceID == "" && s.capture.SystemTapSupported():
		useTap = true
	case deviceID != "":
		dev, err := s.resolveDevice(deviceID)
		if err != nil {
			return nil, err
		}
		resolvedID = dev.ID
	case source == session.SourceSystem:
		// Нативного тапа нет: системный звук только через loopback
		dev, err := s.findLoopback()
		if err != nil {
			return nil, err
		}
		resolvedID = dev.ID
	}

	// 2. Черновик заметки и WAV в формате активного источника: устройство
	// отдаёт блоки в формате конфигурации, тап — всегда в своём
	// фиксированном, и заголовок файла обязан ему соответствовать
	now := time.Now()
	noteID := session.NewNoteID()
	if _, err := s.store.EnsureNoteDir(noteID); err != nil {
		return nil, fmt.Errorf("failed to create note dir: %w", err)
	}
	cfg := s.capture.Config()
	rate, channels := cfg.SampleRate, cfg.Channels
	if useTap {
		rate, channels = audio.TapSampleRate, audio.TapChannels
	}
	audioPath := s.store.AudioPath(noteID)
	wav, err := session.NewWAVWriter(audioPath, rate, channels, 16)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}

	rec := &recordingState{
		noteID:       noteID,
		title:        session.DefaultTitle(now),
		createdAt:    now,
		source:       source,
		audioPath:    audioPath,
		rate:         rate,
		channels:     channels,
		usingTap:     useTap,
		wav:          wav,
		resampler:    audio.NewResampler(rate, session.RecognizerSampleRate),
		stopWorker:   make(chan struct{}),
		workerDone:   make(chan struct{}),
		stopAutosave: make(chan struct{}),
		autosaveDone: make(chan struct{}),
	}

	cleanupOnError := func(err error) (*session.Note, error) {
		log.Printf("Recorder: start failed: %v", err)
		wav.Close()
		os.Remove(audioPath)
		if delErr := s.store.DeleteNote(noteID); delErr != nil && !errors.Is(delErr, session.ErrNoteNotFound) {
			log.Printf("Recorder: draft cleanup failed: %v", delErr)
		}
		return nil, err
	}

	note := s.noteSnapshot(rec, SessionState{}, session.NoteStatusRecording, 0)
	if err := s.store.SaveNote(note); err != nil {
		return cleanupOnError(fmt.Errorf("failed to save draft note: %w", err))
	}

	// 3. Сессия распознавания
	if err := s.coordinator.Start(source); err != nil {
		return cleanupOnError(err)
	}

	// 4. Захват
	s.capture.ClearBuffers()
	var startErr error
	if useTap {
		startErr = s.capture.StartSystemTap()
	} else {
		startErr = s.capture.Start(resolvedID)
	}
	if startErr != nil {
		s.coordinator.Cancel()
		return cleanupOnError(fmt.Errorf("failed to start capture: %w", startErr))
	}

	s.rec = rec

	// 5. Воркеры: аудио, уровни, автосейв
	go s.audioWorker(rec)
	go s.levelWorker(rec)
	go s.autosaveWorker(rec)

	log.Printf("Recorder: started note=%s source=%s device=%q tap=%v rate=%d ch=%d",
		noteID, source, resolvedID, useTap, rate, channels)
	return note, nil
}

// StopRecording завершает запись: захват, финальный текст движка,
// нормализация файла, финальная запись заметки. Диаризация уходит в фон
// и дописывает спикеров отдельной записью.
func (s *RecordingService) StopRecording() (*session.Note, error) {
	s.mu.Lock()
	rec := s.rec
	if rec == nil || rec.stopping {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}
	rec.stopping = true
	s.mu.Unlock()

	log.Printf("Recorder: stopping note=%s", rec.noteID)

	// 1. Останавливаем захват: новых блоков не будет
	if rec.usingTap {
		s.capture.StopSystemTap()
	}
	if err := s.capture.Stop(); err != nil {
		log.Printf("Recorder: capture stop failed: %v", err)
	}

	// 2. Воркер дочитывает очередь и выходит
	close(rec.stopWorker)
	<-rec.workerDone
	s.resampleDropped.Add(rec.resampler.Dropped())

	// 3. Финальный текст движка
	if err := s.coordinator.Stop(stopFinalTimeout); err != nil {
		log.Printf("Recorder: coordinator stop: %v", err)
	}

	// 4. Снимаем автосейв и отложенный живой прогон диаризации
	close(rec.stopAutosave)
	<-rec.autosaveDone
	s.aligner.Cancel()

	// 5. Последние колбэки доезжают до потребителей
	time.Sleep(teardownSettle)

	// 6. Файл: финализация и выравнивание громкости
	duration := rec.wav.Duration()
	if err := rec.wav.Close(); err != nil {
		log.Printf("Recorder: wav close failed: %v", err)
	}
	if gain, err := session.NormalizeWAV(rec.audioPath, session.NormalizeTargetPeak, session.NormalizeMaxGain); err != nil {
		log.Printf("Recorder: normalize failed: %v", err)
	} else if gain != 1.0 {
		log.Printf("Recorder: normalized %s (gain=%.2f)", filepath.Base(rec.audioPath), gain)
	}
	if d, err := session.MeasureDuration(rec.audioPath); err == nil {
		duration = d
	}

	// 7. Финальная запись заметки
	st := s.coordinator.Snapshot()
	note := s.noteSnapshot(rec, st, session.NoteStatusDone, duration)
	if err := s.store.SaveNote(note); err != nil {
		// Транскрипт уже в базе после автосейвов, теряется только статус
		log.Printf("Recorder: final save failed: %v", err)
	}

	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()

	if s.OnNote != nil {
		s.OnNote(note)
	}

	// 8. Спикеры: финальный прогон и отдельная запись в базу
	rec.samplesMu.Lock()
	samples := rec.samples
	rec.samples = nil
	rec.samplesMu.Unlock()
	go s.finalizeSpeakers(note, samples)

	log.Printf("Recorder: stopped note=%s duration=%.1fs segments=%d dropped=%d",
		rec.noteID, duration, len(note.Segments), s.Dropped())
	return note, nil
}

// CancelRecording снимает запись без финального текста и диаризации.
// Черновик остаётся со статусом failed: аудио на диске может пригодиться.
func (s *RecordingService) CancelRecording() error {
	s.mu.Lock()
	rec := s.rec
	if rec == nil || rec.stopping {
		s.mu.Unlock()
		return ErrNotRecording
	}
	rec.stopping = true
	s.mu.Unlock()

	log.Printf("Recorder: cancelling note=%s", rec.noteID)

	if rec.usingTap {
		s.capture.StopSystemTap()
	}
	if err := s.capture.Stop(); err != nil {
		log.Printf("Recorder: capture stop failed: %v", err)
	}
	close(rec.stopWorker)
	<-rec.workerDone
	s.resampleDropped.Add(rec.resampler.Dropped())

	s.coordinator.Cancel()
	close(rec.stopAutosave)
	<-rec.autosaveDone
	s.aligner.Cancel()

	duration := rec.wav.Duration()
	if err := rec.wav.Close(); err != nil {
		log.Printf("Recorder: wav close failed: %v", err)
	}

	st := s.coordinator.Snapshot()
	note := s.noteSnapshot(rec, st, session.NoteStatusFailed, duration)
	if err := s.store.SaveNote(note); err != nil {
		log.Printf("Recorder: cancel save failed: %v", err)
	}

	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}

// ImportFile прогоняет готовый файл через тот же конвейер распознавания.
// Подача синхронная: для файла потери недопустимы, реального времени нет.
// Поддерживаются WAV и MP3.
func (s *RecordingService) ImportFile(path string) (*session.Note, error) {
	s.mu.Lock()
	if s.rec != nil || s.importing {
		s.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	s.importing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.importing = false
		s.mu.Unlock()
	}()

	samples, duration, err := decodeImport(path)
	if err != nil {
		return nil, err
	}

	if err := s.coordinator.Start(session.SourceImport); err != nil {
		return nil, err
	}

	for off := 0; off < len(samples); off += importChunkSamples {
		end := off + importChunkSamples
		if end > len(samples) {
			end = len(samples)
		}
		if err := s.coordinator.FeedAudioSync(samples[off:end]); err != nil {
			s.coordinator.Cancel()
			return nil, fmt.Errorf("failed to feed import audio: %w", err)
		}
	}

	if err := s.coordinator.Stop(importFinalTimeout); err != nil {
		log.Printf("Recorder: import stop: %v", err)
	}

	now := time.Now()
	st := s.coordinator.Snapshot()
	note := &session.Note{
		ID:          session.NewNoteID(),
		Title:       strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Status:      session.NoteStatusDone,
		Source:      session.SourceImport,
		Text:        st.ConfirmedText,
		Segments:    st.Segments,
		DurationSec: duration,
		SampleRate:  session.RecognizerSampleRate,
		Channels:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveNote(note); err != nil {
		return nil, fmt.Errorf("failed to save imported note: %w", err)
	}
	if s.OnNote != nil {
		s.OnNote(note)
	}

	go s.finalizeSpeakers(note, samples)

	log.Printf("Recorder: imported %s (%.1fs, %d segments)",
		filepath.Base(path), duration, len(note.Segments))
	return note, nil
}

// decodeImport декодирует файл в 16 кГц моно
func decodeImport(path string) ([]float32, float64, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return session.ReadWAVMono(path, session.RecognizerSampleRate)
	case ".mp3":
		return session.ImportMP3(path, session.RecognizerSampleRate)
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ExportMP3 кодирует аудио заметки в MP3 рядом с WAV и возвращает путь
func (s *RecordingService) ExportMP3(noteID string) (string, error) {
	note, err := s.store.GetNote(noteID)
	if err != nil {
		return "", err
	}
	if note.AudioPath == "" {
		return "", fmt.Errorf("note %s has no audio file", noteID)
	}
	mp3Path := strings.TrimSuffix(note.AudioPath, filepath.Ext(note.AudioPath)) + ".mp3"
	if err := session.ExportMP3(note.AudioPath, mp3Path); err != nil {
		return "", err
	}
	return mp3Path, nil
}

// resolveDevice находит устройство по запрошенному идентификатору.
// Порядок: точный ID, затем имя (ID меняется при переподключении),
// затем любой loopback. Иначе ErrDeviceNotFound.
func (s *RecordingService) resolveDevice(requested string) (audio.AudioDevice, error) {
	devices, err := s.capture.ListDevices()
	if err != nil {
		return audio.AudioDevice{}, fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		if d.ID == requested {
			return d, nil
		}
	}
	want := strings.ToLower(requested)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), want) {
			log.Printf("Recorder: device %q resolved by name to %q", requested, d.Name)
			return d, nil
		}
	}
	for _, d := range devices {
		if d.IsLoopback {
			log.Printf("Recorder: device %q not found, falling back to loopback %q", requested, d.Name)
			return d, nil
		}
	}
	return audio.AudioDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, requested)
}

func (s *RecordingService) findLoopback() (audio.AudioDevice, error) {
	devices, err := s.capture.ListDevices()
	if err != nil {
		return audio.AudioDevice{}, fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		if d.IsLoopback {
			return d, nil
		}
	}
	return audio.AudioDevice{}, fmt.Errorf("%w: no loopback device for system capture", ErrDeviceNotFound)
}

// audioWorker — единственный потребитель блоков захвата. Последовательно:
// файл в исходном формате, ресемпл в 16 кГц моно, накопление для
// диаризации, подача в распознавание. Блок возвращается в пул всегда.
func (s *RecordingService) audioWorker(rec *recordingState) {
	defer close(rec.workerDone)
	blocks := s.capture.Blocks()
	for {
		select {
		case <-rec.stopWorker:
			// Дочитываем уже захваченное
			for {
				select {
				case blk := <-blocks:
					s.processBlock(rec, blk)
				default:
					return
				}
			}
		case blk := <-blocks:
			s.processBlock(rec, blk)
		}
	}
}

func (s *RecordingService) processBlock(rec *recordingState, blk *audio.AudioBlock) {
	defer s.capture.Release(blk)

	if err := rec.wav.Write(blk.Samples); err != nil {
		log.Printf("Recorder: wav write failed: %v", err)
	}

	mono, ok := rec.resampler.Convert(blk)
	if !ok {
		return
	}

	// append копирует данные: view ресемплера живёт до следующего Convert
	rec.samplesMu.Lock()
	rec.samples = append(rec.samples, mono...)
	rec.samplesMu.Unlock()

	s.coordinator.FeedAudio(mono)
}

func (s *RecordingService) levelWorker(rec *recordingState) {
	levels := s.capture.Levels()
	for {
		select {
		case <-rec.stopWorker:
			return
		case level := <-levels:
			if s.OnLevel != nil {
				s.OnLevel(level)
			}
		}
	}
}

// autosaveWorker периодически фиксирует черновик: транскрипт в базу,
// заголовок WAV на диск
func (s *RecordingService) autosaveWorker(rec *recordingState) {
	defer close(rec.autosaveDone)
	ticker := time.NewTicker(s.autosaveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-rec.stopAutosave:
			return
		case <-ticker.C:
			s.autosave(rec)
		}
	}
}

func (s *RecordingService) autosave(rec *recordingState) {
	if err := rec.wav.FlushHeader(); err != nil {
		log.Printf("Recorder: header flush failed: %v", err)
	}
	st := s.coordinator.Snapshot()
	note := s.noteSnapshot(rec, st, session.NoteStatusRecording, rec.wav.Duration())
	if err := s.store.SaveNote(note); err != nil {
		log.Printf("Recorder: autosave failed: %v", err)
	}
}

// noteSnapshot собирает заметку из состояния сессии
func (s *RecordingService) noteSnapshot(rec *recordingState, st SessionState, status session.NoteStatus, duration float64) *session.Note {
	return &session.Note{
		ID:          rec.noteID,
		Title:       rec.title,
		Status:      status,
		Source:      rec.source,
		Text:        st.ConfirmedText,
		Segments:    st.Segments,
		DurationSec: duration,
		SampleRate:  rec.rate,
		Channels:    rec.channels,
		AudioPath:   rec.audioPath,
		CreatedAt:   rec.createdAt,
		UpdatedAt:   time.Now(),
	}
}

// currentSamples отдаёт снимок накопленного моно-аудио текущей записи.
// Источник для живых прогонов диаризации.
func (s *RecordingService) currentSamples() []float32 {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	rec.samplesMu.Lock()
	defer rec.samplesMu.Unlock()
	// Копия заголовка среза: воркер дописывает только за его длиной
	return rec.samples
}

// applyLiveSpeakers накатывает интервалы живого прогона диаризации на
// уже выданные сегменты
func (s *RecordingService) applyLiveSpeakers(intervals []ai.SpeakerSegment) {
	st := s.coordinator.Snapshot()
	labels := AssignSpeakers(st.Segments, intervals)
	if len(labels) == 0 {
		return
	}
	updated := s.coordinator.ApplySpeakers(labels)

	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if s.OnSpeakers != nil {
		s.OnSpeakers(rec.noteID, updated)
	}
}

// finalizeSpeakers прогоняет финальную диаризацию по всей записи и
// дописывает спикеров отдельной записью в базу. Любой сбой здесь мягкий:
// транскрипт уже сохранён, метки остаются номерными.
func (s *RecordingService) finalizeSpeakers(note *session.Note, samples []float32) {
	if len(samples) < minDiarizationSamples || len(note.Segments) == 0 {
		return
	}

	intervals, err := s.aligner.RunFinal(samples)
	if err != nil {
		log.Printf("Recorder: final diarization failed: %v", err)
		return
	}
	if len(intervals) == 0 {
		return
	}

	labels := AssignSpeakers(note.Segments, intervals)

	// Речь по спикерам: кеш для SaveVoiceprint и вход для именования
	bySpeaker := SpeakerSamples(samples, session.RecognizerSampleRate, intervals, maxSpeakerSampleSeconds)
	s.speakerMu.Lock()
	s.speakerSamples = bySpeaker
	s.speakerMu.Unlock()

	if names := s.matchKnownSpeakers(bySpeaker); len(names) > 0 {
		for id, label := range labels {
			if name, ok := names[label]; ok {
				labels[id] = name
			}
		}
	}

	for i := range note.Segments {
		if label, ok := labels[note.Segments[i].ID]; ok {
			note.Segments[i].Speaker = label
		}
	}

	if err := s.store.UpdateSpeakers(note.ID, note.Segments); err != nil {
		log.Printf("Recorder: speaker update failed: %v", err)
		return
	}

	if s.OnSpeakers != nil {
		s.OnSpeakers(note.ID, note.Segments)
	}
	if s.OnNote != nil {
		s.OnNote(note)
	}
	log.Printf("Recorder: speakers assigned note=%s (%d intervals)", note.ID, len(intervals))
}

// matchKnownSpeakers сопоставляет голоса записи с сохранёнными
// отпечатками. Возвращает замены для номерных меток. Любая ошибка —
// мягкий отказ, метка остаётся номерной.
func (s *RecordingService) matchKnownSpeakers(bySpeaker map[int][]float32) map[string]string {
	if s.encoder == nil || s.matcher == nil {
		return nil
	}
	names := make(map[string]string)
	for idx, speech := range bySpeaker {
		if len(speech) < minVoiceprintSamples {
			continue
		}
		emb, err := s.encoder.Encode(speech)
		if err != nil {
			log.Printf("Recorder: speaker encode failed: %v", err)
			continue
		}
		match := s.matcher.MatchWithAutoUpdate(emb)
		if match == nil || match.Confidence == "low" || match.Confidence == "none" {
			continue
		}
		names[SpeakerLabel(idx)] = match.VoicePrint.Name
	}
	if len(names) == 0 {
		return nil
	}
	return names
}

// SaveVoiceprint сохраняет голос спикера последней записи под именем.
// Отпечаток с таким именем дообучается новым вектором.
func (s *RecordingService) SaveVoiceprint(name string, speaker int) (*voiceprint.VoicePrint, error) {
	if s.encoder == nil || s.voiceprints == nil {
		return nil, fmt.Errorf("voiceprints disabled: no speaker encoder")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("voiceprint name is empty")
	}

	s.speakerMu.Lock()
	speech := s.speakerSamples[speaker]
	s.speakerMu.Unlock()
	if len(speech) < minVoiceprintSamples {
		return nil, fmt.Errorf("not enough speech for speaker %d", speaker)
	}

	emb, err := s.encoder.Encode(speech)
	if err != nil {
		return nil, fmt.Errorf("failed to encode speaker: %w", err)
	}

	if existing := s.voiceprints.FindByName(name); existing != nil {
		if err := s.voiceprints.UpdateEmbedding(existing.ID, emb); err != nil {
			return nil, err
		}
		return s.voiceprints.Get(existing.ID)
	}
	return s.voiceprints.Add(name, emb, "recording")
}

// ListVoiceprints возвращает карточки сохранённых отпечатков
func (s *RecordingService) ListVoiceprints() []voiceprint.Info {
	if s.voiceprints == nil {
		return nil
	}
	return s.voiceprints.Infos()
}

// DeleteVoiceprint удаляет сохранённый отпечаток по ID
func (s *RecordingService) DeleteVoiceprint(id string) error {
	if s.voiceprints == nil {
		return fmt.Errorf("voiceprints disabled: no speaker encoder")
	}
	return s.voiceprints.Delete(id)
}
