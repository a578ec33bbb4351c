package api

import (
	"github.com/huanglizhuo/VoxNote/audio"
	"github.com/huanglizhuo/VoxNote/session"
	"github.com/huanglizhuo/VoxNote/voiceprint"
)

// Message единый кадр протокола: команды клиента и события бэкенда в одной
// плоской структуре. Ходит по WebSocket и по gRPC-стриму без изменений.
type Message struct {
	Type string `json:"type"`

	// Параметры команд
	DeviceID     string `json:"deviceId,omitempty"`
	Source       string `json:"source,omitempty"`
	NoteID       string `json:"noteId,omitempty"`
	Path         string `json:"path,omitempty"`
	Name         string `json:"name,omitempty"`
	Speaker      int    `json:"speaker,omitempty"`
	VoiceprintID string `json:"voiceprintId,omitempty"`

	// События записи
	Recording       bool    `json:"recording,omitempty"`
	Level           float64 `json:"level,omitempty"`
	Confirmed       string  `json:"confirmed,omitempty"`
	Provisional     string  `json:"provisional,omitempty"`
	Tail            string  `json:"tail,omitempty"`
	TokensPerSecond float64 `json:"tokensPerSecond,omitempty"`
	Dropped         uint64  `json:"dropped,omitempty"`

	// Данные ответов
	Segment     *session.TranscriptSegment  `json:"segment,omitempty"`
	Segments    []session.TranscriptSegment `json:"segments,omitempty"`
	Note        *session.Note               `json:"note,omitempty"`
	Notes       []session.NoteInfo          `json:"notes,omitempty"`
	Devices     []audio.AudioDevice         `json:"devices,omitempty"`
	SystemTap   bool                        `json:"systemTapAvailable,omitempty"`
	Voiceprints []voiceprint.Info           `json:"voiceprints,omitempty"`

	Error string `json:"error,omitempty"`
}
