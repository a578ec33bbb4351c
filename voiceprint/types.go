// Package voiceprint предоставляет систему глобальных голосовых отпечатков
// для автоматического распознавания спикеров между записями
package voiceprint

import "time"

// VoicePrint представляет сохранённый голосовой отпечаток
type VoicePrint struct {
	ID         string    `json:"id"`         // UUID
	Name       string    `json:"name"`       // Имя спикера (например, "Иван")
	Embedding  []float32 `json:"embedding"`  // 256-мерный вектор (WeSpeaker ResNet34)
	CreatedAt  time.Time `json:"createdAt"`  // Время создания
	UpdatedAt  time.Time `json:"updatedAt"`  // Время последнего обновления
	LastSeenAt time.Time `json:"lastSeenAt"` // Время последнего распознавания
	SeenCount  int       `json:"seenCount"`  // Количество встреч (для усреднения)
	Source     string    `json:"source,omitempty"`
}

// VoicePrintStore структура для хранения в JSON файле
type VoicePrintStore struct {
	Version     int          `json:"version"`     // Версия формата (для миграций)
	VoicePrints []VoicePrint `json:"voiceprints"` // Список голосовых отпечатков
}

// Info карточка отпечатка для UI: всё, кроме самого вектора
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	SeenCount  int       `json:"seenCount"`
	Source     string    `json:"source,omitempty"`
}

// MatchResult результат поиска совпадения
type MatchResult struct {
	VoicePrint *VoicePrint
	Similarity float32 // Косинусное сходство (0-1)
	Confidence string  // "high", "medium", "low", "none"
}

// Пороги для matching (косинусное сходство)
const (
	ThresholdHigh   float32 = 0.85 // Высокая уверенность - автоматическое назначение
	ThresholdMedium float32 = 0.70 // Средняя - предложить пользователю
	ThresholdLow    float32 = 0.50 // Низкая - возможное совпадение
	ThresholdMin    float32 = 0.50 // Минимальный порог для любого matching
)

// GetConfidence возвращает уровень уверенности для similarity
func GetConfidence(similarity float32) string {
	switch {
	case similarity >= ThresholdHigh:
		return "high"
	case similarity >= ThresholdMedium:
		return "medium"
	case similarity >= ThresholdLow:
		return "low"
	default:
		return "none"
	}
}

// CurrentVersion текущая версия формата хранения
const CurrentVersion = 1
