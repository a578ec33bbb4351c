package service

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/huanglizhuo/VoxNote/session"
)

// SentenceSegmenter нарезает подтверждённый текст распознавателя на
// предложения по мере его роста. Работает инкрементально: помнит байтовую
// границу уже нарезанного префикса и на каждом обновлении обрабатывает
// только хвост. Уже выданные сегменты никогда не пересматриваются, даже
// если распознаватель переписал свой текст.
type SentenceSegmenter struct {
	confirmed string // последний увиденный подтверждённый текст
	offset    int    // байтовая граница нарезанного префикса
}

// Update принимает полный подтверждённый текст и время от начала записи.
// Возвращает новые завершённые предложения; незаконченный хвост без
// финальной пунктуации придерживается до следующих обновлений.
func (s *SentenceSegmenter) Update(confirmed string, elapsed float64) []session.TranscriptSegment {
	s.confirmed = confirmed
	if s.offset >= len(confirmed) {
		// Текст стал короче нарезанного префикса: распознаватель
		// пересмотрел уже выданное. Старые сегменты не трогаем.
		return nil
	}

	sentences, consumed := splitSentences(confirmed[s.offset:])
	s.offset += consumed

	if len(sentences) == 0 {
		return nil
	}
	segments := make([]session.TranscriptSegment, 0, len(sentences))
	for _, text := range sentences {
		segments = append(segments, session.TranscriptSegment{
			ID:        uuid.New().String(),
			Timestamp: elapsed,
			Text:      text,
		})
	}
	return segments
}

// Tail возвращает ещё не нарезанный хвост подтверждённого текста
func (s *SentenceSegmenter) Tail() string {
	if s.offset >= len(s.confirmed) {
		return ""
	}
	return strings.TrimSpace(s.confirmed[s.offset:])
}

// Flush выдаёт остаток как сегмент независимо от пунктуации. Вызывается
// один раз в конце сессии, чтобы транскрипт сошёлся с сегментами.
func (s *SentenceSegmenter) Flush(elapsed float64) []session.TranscriptSegment {
	tail := s.Tail()
	s.offset = len(s.confirmed)
	if tail == "" {
		return nil
	}
	return []session.TranscriptSegment{{
		ID:        uuid.New().String(),
		Timestamp: elapsed,
		Text:      tail,
	}}
}

// Reset готовит сегментер к новой сессии
func (s *SentenceSegmenter) Reset() {
	s.confirmed = ""
	s.offset = 0
}

func isSentenceTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isCJKTerminal(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

// splitSentences выделяет завершённые предложения из текста. Возвращает
// их и байтовую длину обработанного префикса, включая замыкающие пробелы.
// Граница: английская пунктуация с пробелом (или концом текста) после неё,
// CJK пунктуация сразу. Последний кусок без финального знака не выдаётся.
func splitSentences(text string) ([]string, int) {
	var sentences []string
	start := 0
	i := 0

	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size

		cjk := isCJKTerminal(r)
		eng := r == '.' || r == '!' || r == '?'
		boundary := cjk
		if eng {
			if next >= len(text) {
				boundary = true
			} else {
				nr, _ := utf8.DecodeRuneInString(text[next:])
				boundary = unicode.IsSpace(nr)
			}
		}
		if !boundary {
			i = next
			continue
		}

		cut := next
		if cjk {
			// Поглощаем подряд идущие финальные знаки: «правда！？»
			for cut < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[cut:])
				if !isSentenceTerminal(r2) {
					break
				}
				cut += s2
			}
		}
		for cut < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[cut:])
			if !unicode.IsSpace(r2) {
				break
			}
			cut += s2
		}

		if sentence := strings.TrimSpace(text[start:cut]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = cut
		i = cut
	}

	return sentences, start
}
