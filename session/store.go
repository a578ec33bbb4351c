package session

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoteNotFound возвращается при запросе несуществующей заметки
var ErrNoteNotFound = errors.New("note not found")

// AudioFileName имя WAV файла внутри директории заметки
const AudioFileName = "audio.wav"

// Store хранит заметки в SQLite, аудио лежит рядом в <dataDir>/<noteID>/.
// Писатели сериализуются мьютексом: автосохранение и финальная запись
// диаризации могут прийти из разных горутин.
type Store struct {
	db      *sql.DB
	dataDir string
	mu      sync.Mutex
}

// OpenStore открывает (или создаёт) базу заметок в dataDir
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "notes.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	s := &Store{db: db, dataDir: dataDir}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Store: opened %s", dbPath)
	return s, nil
}

func (s *Store) initSchema() error {
	ddl := `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    duration_sec REAL NOT NULL DEFAULT 0,
    sample_rate INTEGER NOT NULL DEFAULT 0,
    channels INTEGER NOT NULL DEFAULT 0,
    audio_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'recording'
);
CREATE TABLE IF NOT EXISTS note_segments (
    note_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    segment_id TEXT NOT NULL,
    ts REAL NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    speaker TEXT NOT NULL DEFAULT '',
    PRIMARY KEY(note_id, idx),
    FOREIGN KEY(note_id) REFERENCES notes(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at DESC);
`
	_, err := s.db.Exec(ddl)
	return err
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir возвращает корневую директорию данных
func (s *Store) DataDir() string {
	return s.dataDir
}

// AudioPath возвращает путь к WAV файлу заметки
func (s *Store) AudioPath(noteID string) string {
	return filepath.Join(s.dataDir, noteID, AudioFileName)
}

// EnsureNoteDir создаёт директорию заметки и возвращает её путь
func (s *Store) EnsureNoteDir(noteID string) (string, error) {
	dir := filepath.Join(s.dataDir, noteID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create note dir: %w", err)
	}
	return dir, nil
}

// SaveNote сохраняет заметку целиком (upsert по ID, сегменты заменяются).
// Вызывается многократно: черновик на старте, автосохранения, финальная
// запись. UpdatedAt проставляется здесь.
func (s *Store) SaveNote(note *Note) error {
	if note == nil || note.ID == "" {
		return fmt.Errorf("note without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	note.UpdatedAt = time.Now().UTC()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = note.UpdatedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(
		`INSERT INTO notes(id, title, created_at, updated_at, source, body, duration_sec, sample_rate, channels, audio_path, status)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     title=excluded.title, updated_at=excluded.updated_at, source=excluded.source,
		     body=excluded.body, duration_sec=excluded.duration_sec, sample_rate=excluded.sample_rate,
		     channels=excluded.channels, audio_path=excluded.audio_path, status=excluded.status`,
		note.ID, note.Title,
		note.CreatedAt.Format(time.RFC3339Nano), note.UpdatedAt.Format(time.RFC3339Nano),
		string(note.Source), note.Text, note.DurationSec, note.SampleRate, note.Channels,
		note.AudioPath, string(note.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert note: %w", err)
	}

	if _, err = tx.Exec(`DELETE FROM note_segments WHERE note_id = ?`, note.ID); err != nil {
		return fmt.Errorf("failed to clear segments: %w", err)
	}

	if len(note.Segments) > 0 {
		var stmt *sql.Stmt
		stmt, err = tx.Prepare(`INSERT INTO note_segments(note_id, idx, segment_id, ts, body, speaker) VALUES(?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		for i, seg := range note.Segments {
			if _, err = stmt.Exec(note.ID, i, seg.ID, seg.Timestamp, seg.Text, seg.Speaker); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to insert segment %d: %w", i, err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// UpdateSpeakers обновляет только метки спикеров у сегментов заметки.
// Отдельная поздняя запись после финальной диаризации: не трогает текст и
// не конфликтует с уже завершённой записью заметки. Метки пишутся как есть,
// включая пустые.
func (s *Store) UpdateSpeakers(noteID string, segments []TranscriptSegment) error {
	if noteID == "" {
		return fmt.Errorf("note without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var stmt *sql.Stmt
	stmt, err = tx.Prepare(`UPDATE note_segments SET speaker = ? WHERE note_id = ? AND segment_id = ?`)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if _, err = stmt.Exec(seg.Speaker, noteID, seg.ID); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to update speaker for %s: %w", seg.ID, err)
		}
	}
	stmt.Close()

	_, err = tx.Exec(`UPDATE notes SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), noteID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetNote загружает заметку с сегментами
func (s *Store) GetNote(id string) (*Note, error) {
	note := &Note{ID: id}
	var created, updated, source, status string
	err := s.db.QueryRow(
		`SELECT title, created_at, updated_at, source, body, duration_sec, sample_rate, channels, audio_path, status
		 FROM notes WHERE id = ?`, id).
		Scan(&note.Title, &created, &updated, &source, &note.Text,
			&note.DurationSec, &note.SampleRate, &note.Channels, &note.AudioPath, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load note: %w", err)
	}

	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		note.CreatedAt = ts
	}
	if ts, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
		note.UpdatedAt = ts
	}
	note.Source = CaptureSource(source)
	note.Status = NoteStatus(status)

	rows, err := s.db.Query(
		`SELECT segment_id, ts, body, speaker FROM note_segments WHERE note_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.Timestamp, &seg.Text, &seg.Speaker); err != nil {
			return nil, err
		}
		note.Segments = append(note.Segments, seg)
	}
	return note, rows.Err()
}

// ListNotes возвращает карточки всех заметок, новые сверху
func (s *Store) ListNotes() ([]NoteInfo, error) {
	rows, err := s.db.Query(
		`SELECT n.id, n.title, n.created_at, n.duration_sec, n.status,
		        (SELECT COUNT(*) FROM note_segments g WHERE g.note_id = n.id)
		 FROM notes n ORDER BY n.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var infos []NoteInfo
	for rows.Next() {
		var info NoteInfo
		var created, status string
		if err := rows.Scan(&info.ID, &info.Title, &created, &info.DurationSec, &status, &info.SegmentCount); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			info.CreatedAt = ts
		}
		info.Status = NoteStatus(status)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteNote удаляет заметку, её сегменты и директорию с аудио
func (s *Store) DeleteNote(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM note_segments WHERE note_id = ?`, id); err != nil {
		return err
	}
	var res sql.Result
	res, err = tx.Exec(`DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNoteNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	if rmErr := os.RemoveAll(filepath.Join(s.dataDir, id)); rmErr != nil {
		log.Printf("Store: failed to remove audio dir for %s: %v", id, rmErr)
	}
	return nil
}
