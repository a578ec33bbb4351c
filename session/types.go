package session

import (
	"time"

	"github.com/google/uuid"
)

// NoteStatus представляет состояние заметки
type NoteStatus string

const (
	NoteStatusRecording NoteStatus = "recording"
	NoteStatusDone      NoteStatus = "done"
	NoteStatusFailed    NoteStatus = "failed"
)

// CaptureSource источник аудио заметки
type CaptureSource string

const (
	SourceMicrophone CaptureSource = "microphone"
	SourceSystem     CaptureSource = "system"
	SourceImport     CaptureSource = "import"
)

// RecognizerSampleRate частота, с которой работают распознавание и
// диаризация. Захваченное аудио приводится к ней сразу после выбора
// канала; WAV файл заметки при этом пишется в исходном формате захвата.
const RecognizerSampleRate = 16000

// TranscriptSegment одно предложение транскрипта с таймстемпом
type TranscriptSegment struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp"` // секунды от начала записи
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker,omitempty"`
}

// Note заметка: финальный транскрипт плюс метаданные записи
type Note struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	Source      CaptureSource       `json:"source"`
	Text        string              `json:"text"`
	Segments    []TranscriptSegment `json:"segments"`
	DurationSec float64             `json:"durationSec"`
	SampleRate  int                 `json:"sampleRate"`
	Channels    int                 `json:"channels"`
	AudioPath   string              `json:"audioPath,omitempty"`
	Status      NoteStatus          `json:"status"`
}

// NoteInfo краткая карточка заметки для списков (без текста и сегментов)
type NoteInfo struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	CreatedAt    time.Time  `json:"createdAt"`
	DurationSec  float64    `json:"durationSec"`
	Status       NoteStatus `json:"status"`
	SegmentCount int        `json:"segmentCount"`
}

// NewNoteID генерирует идентификатор заметки
func NewNoteID() string {
	return uuid.New().String()
}

// DefaultTitle формирует заголовок из времени создания, когда пользователь
// свой не задал.
func DefaultTitle(t time.Time) string {
	return "Запись " + t.Format("02.01.2006 15:04")
}
