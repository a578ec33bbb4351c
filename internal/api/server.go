package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/huanglizhuo/VoxNote/audio"
	"github.com/huanglizhuo/VoxNote/internal/config"
	"github.com/huanglizhuo/VoxNote/internal/service"
	"github.com/huanglizhuo/VoxNote/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server раздаёт события конвейера по WebSocket и принимает команды
// нативного UI. Тот же формат кадра доступен по gRPC-стриму
// (grpc_service.go) для клиентов без WebSocket.
type Server struct {
	Config   *config.Config
	Store    *session.Store
	Recorder *service.RecordingService

	clients map[*websocket.Conn]bool
	streams map[chan Message]bool
	// Сериализует записи во все соединения: WriteJSON не потокобезопасен
	// per-connection, а события приходят из нескольких горутин
	mu sync.Mutex
}

func NewServer(cfg *config.Config, store *session.Store, recorder *service.RecordingService) *Server {
	s := &Server{
		Config:   cfg,
		Store:    store,
		Recorder: recorder,
		clients:  make(map[*websocket.Conn]bool),
		streams:  make(map[chan Message]bool),
	}
	s.setupCallbacks()
	return s
}

func (s *Server) Start() {
	http.HandleFunc("/ws", s.handleWebSocket)
	http.HandleFunc("/api/notes/", s.handleNotesAPI)

	go s.startGRPCServer()

	log.Printf("Backend listening on :%s", s.Config.Port)
	if err := http.ListenAndServe(":"+s.Config.Port, nil); err != nil {
		log.Fatal("ListenAndServe:", err)
	}
}

// setupCallbacks подписывает broadcast на события записи
func (s *Server) setupCallbacks() {
	rec := s.Recorder

	rec.OnLevel = func(level float64) {
		s.broadcast(Message{Type: "level", Level: level})
	}
	rec.OnDisplay = func(confirmed, provisional, tail string) {
		s.broadcast(Message{Type: "display", Confirmed: confirmed, Provisional: provisional, Tail: tail})
	}
	rec.OnSegment = func(seg session.TranscriptSegment) {
		s.broadcast(Message{Type: "segment", Segment: &seg})
	}
	rec.OnStats = func(tps float64) {
		s.broadcast(Message{Type: "stats", TokensPerSecond: tps, Dropped: rec.Dropped()})
	}
	rec.OnSpeakers = func(noteID string, segments []session.TranscriptSegment) {
		s.broadcast(Message{Type: "speakers", NoteID: noteID, Segments: segments})
	}
	rec.OnNote = func(note *session.Note) {
		s.broadcast(Message{Type: "note", Note: note})
	}
	rec.OnError = func(err error) {
		s.broadcast(Message{Type: "error", Error: err.Error()})
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
	for out := range s.streams {
		select {
		case out <- msg:
		default:
			// Медленный gRPC клиент не должен тормозить конвейер
		}
	}
}

// send пишет ответ одному клиенту под тем же мьютексом, что и broadcast
func (s *Server) send(conn *websocket.Conn, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Write error: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Новый клиент сразу узнаёт, идёт ли запись
	s.send(conn, Message{Type: "state", Recording: s.Recorder.Recording()})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Println("Read:", err)
			break
		}
		s.processMessage(&wsResponder{server: s, conn: conn}, msg)
	}
}

// Responder канал ответов на команду: прямой ответ клиенту и broadcast
// всем. WebSocket и gRPC дают свои реализации.
type Responder interface {
	Reply(msg Message)
	Broadcast(msg Message)
}

type wsResponder struct {
	server *Server
	conn   *websocket.Conn
}

func (r *wsResponder) Reply(msg Message)     { r.server.send(r.conn, msg) }
func (r *wsResponder) Broadcast(msg Message) { r.server.broadcast(msg) }

// processMessage исполняет одну команду клиента. Долгие операции (экспорт,
// импорт) уходят в горутину, результат возвращается broadcast-событием.
func (s *Server) processMessage(rsp Responder, msg Message) {
	switch msg.Type {
	case "start_recording":
		deviceID := msg.DeviceID
		if deviceID == "" {
			// Устройство из конфига играет роль дефолта, команда его
			// перекрывает
			deviceID = s.Config.Capture.Device
		}
		note, err := s.Recorder.StartRecording(deviceID, session.CaptureSource(msg.Source))
		if err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Broadcast(Message{Type: "state", Recording: true})
		rsp.Reply(Message{Type: "recording_started", Note: note})

	case "stop_recording":
		note, err := s.Recorder.StopRecording()
		if err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Broadcast(Message{Type: "state", Recording: false})
		rsp.Reply(Message{Type: "recording_stopped", Note: note})

	case "cancel_recording":
		if err := s.Recorder.CancelRecording(); err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Broadcast(Message{Type: "state", Recording: false})
		rsp.Reply(Message{Type: "recording_cancelled"})

	case "list_devices":
		devices, err := s.Recorder.ListDevices()
		if err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Reply(Message{Type: "devices", Devices: devices, SystemTap: audio.SystemTapAvailable()})

	case "list_notes":
		notes, err := s.Store.ListNotes()
		if err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Reply(Message{Type: "notes", Notes: notes})

	case "get_note":
		if msg.NoteID == "" {
			rsp.Reply(Message{Type: "error", Error: "noteId is required"})
			return
		}
		note, err := s.Store.GetNote(msg.NoteID)
		if err != nil {
			rsp.Reply(Message{Type: "error", NoteID: msg.NoteID, Error: err.Error()})
			return
		}
		rsp.Reply(Message{Type: "note", Note: note})

	case "delete_note":
		if msg.NoteID == "" {
			rsp.Reply(Message{Type: "error", Error: "noteId is required"})
			return
		}
		if err := s.Store.DeleteNote(msg.NoteID); err != nil {
			rsp.Reply(Message{Type: "error", NoteID: msg.NoteID, Error: err.Error()})
			return
		}
		rsp.Reply(Message{Type: "note_deleted", NoteID: msg.NoteID})

	case "export_mp3":
		if msg.NoteID == "" {
			rsp.Reply(Message{Type: "error", Error: "noteId is required"})
			return
		}
		noteID := msg.NoteID
		rsp.Reply(Message{Type: "export_started", NoteID: noteID})
		go func() {
			path, err := s.Recorder.ExportMP3(noteID)
			if err != nil {
				rsp.Broadcast(Message{Type: "error", NoteID: noteID, Error: err.Error()})
				return
			}
			rsp.Broadcast(Message{Type: "export_done", NoteID: noteID, Path: path})
		}()

	case "import_file":
		if msg.Path == "" {
			rsp.Reply(Message{Type: "error", Error: "path is required"})
			return
		}
		path := msg.Path
		rsp.Reply(Message{Type: "import_started", Path: path})
		go func() {
			note, err := s.Recorder.ImportFile(path)
			if err != nil {
				rsp.Broadcast(Message{Type: "error", Path: path, Error: err.Error()})
				return
			}
			rsp.Broadcast(Message{Type: "import_done", Note: note})
		}()

	case "list_voiceprints":
		rsp.Reply(Message{Type: "voiceprints", Voiceprints: s.Recorder.ListVoiceprints()})

	case "save_voiceprint":
		if msg.Name == "" {
			rsp.Reply(Message{Type: "error", Error: "name is required"})
			return
		}
		if _, err := s.Recorder.SaveVoiceprint(msg.Name, msg.Speaker); err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Reply(Message{Type: "voiceprints", Voiceprints: s.Recorder.ListVoiceprints()})

	case "delete_voiceprint":
		if msg.VoiceprintID == "" {
			rsp.Reply(Message{Type: "error", Error: "voiceprintId is required"})
			return
		}
		if err := s.Recorder.DeleteVoiceprint(msg.VoiceprintID); err != nil {
			rsp.Reply(Message{Type: "error", Error: err.Error()})
			return
		}
		rsp.Reply(Message{Type: "voiceprints", Voiceprints: s.Recorder.ListVoiceprints()})

	default:
		rsp.Reply(Message{Type: "error", Error: "unknown command: " + msg.Type})
	}
}

// handleNotesAPI отдаёт список заметок и аудиофайлы для плеера UI
func (s *Server) handleNotesAPI(w http.ResponseWriter, r *http.Request) {
	// CORS для dev-режима: UI живёт на другом порту
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/notes/")

	if path == "" {
		notes, err := s.Store.ListNotes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(notes)
		return
	}

	noteID, file, hasFile := strings.Cut(path, "/")
	note, err := s.Store.GetNote(noteID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if !hasFile {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(note)
		return
	}

	if note.AudioPath == "" {
		http.NotFound(w, r)
		return
	}
	switch file {
	case "audio.wav":
		http.ServeFile(w, r, note.AudioPath)
	case "audio.mp3":
		http.ServeFile(w, r, strings.TrimSuffix(note.AudioPath, ".wav")+".mp3")
	default:
		http.NotFound(w, r)
	}
}
