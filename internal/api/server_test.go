package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/huanglizhuo/VoxNote/ai"
	"github.com/huanglizhuo/VoxNote/audio"
	"github.com/huanglizhuo/VoxNote/internal/config"
	"github.com/huanglizhuo/VoxNote/internal/service"
	"github.com/huanglizhuo/VoxNote/session"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// stubEngine реализует service.StreamSession без внешнего процесса.
type stubEngine struct {
	mu      sync.Mutex
	ready   bool
	final   string
	fed     int
	updates chan ai.StreamUpdate
}

func newStubEngine(final string) *stubEngine {
	return &stubEngine{ready: true, final: final, updates: make(chan ai.StreamUpdate, 64)}
}

func (e *stubEngine) Ready() bool { return e.ready }

func (e *stubEngine) Feed(samples []float32) {
	e.mu.Lock()
	e.fed++
	e.mu.Unlock()
}

func (e *stubEngine) FeedSync(samples []float32) error {
	e.Feed(samples)
	return nil
}

func (e *stubEngine) Finish() error {
	e.updates <- ai.StreamUpdate{Kind: ai.UpdateText, Text: e.final, IsConfirmed: true}
	e.updates <- ai.StreamUpdate{Kind: ai.UpdateEnded, Text: e.final}
	return nil
}

func (e *stubEngine) Reset() error { return nil }

func (e *stubEngine) Updates() <-chan ai.StreamUpdate { return e.updates }

// stubCapture реализует service.CaptureDevice; блоки подкладываются тестом.
type stubCapture struct {
	devices []audio.AudioDevice
	blocks  chan *audio.AudioBlock
	levels  chan float64
}

func newStubCapture() *stubCapture {
	return &stubCapture{
		devices: []audio.AudioDevice{{ID: "mic-1", Name: "Микрофон USB"}},
		blocks:  make(chan *audio.AudioBlock, 8),
		levels:  make(chan float64, 8),
	}
}

func (c *stubCapture) ListDevices() ([]audio.AudioDevice, error) { return c.devices, nil }
func (c *stubCapture) Config() audio.CaptureConfig {
	return audio.CaptureConfig{SampleRate: 16000, Channels: 1}
}
func (c *stubCapture) ClearBuffers() {}
func (c *stubCapture) Start(deviceID string) error {
	return nil
}
func (c *stubCapture) SystemTapSupported() bool { return false }
func (c *stubCapture) StartSystemTap() error {
	return fmt.Errorf("system tap unavailable")
}
func (c *stubCapture) StopSystemTap()                   {}
func (c *stubCapture) Stop() error                      { return nil }
func (c *stubCapture) Blocks() <-chan *audio.AudioBlock { return c.blocks }
func (c *stubCapture) Levels() <-chan float64           { return c.levels }
func (c *stubCapture) Release(*audio.AudioBlock)        {}
func (c *stubCapture) DroppedBlocks() uint64            { return 0 }

func (c *stubCapture) push(frames int, value float32) {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = value
	}
	c.blocks <- &audio.AudioBlock{Rate: 16000, Channels: 1, Frames: frames, Samples: samples}
}

func newTestServer(t *testing.T) (*Server, *stubCapture) {
	t.Helper()

	store, err := session.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	capture := newStubCapture()
	coordinator := service.NewTranscriptionCoordinator(newStubEngine("Привет мир."))
	aligner := service.NewDiarizationAligner(nil)
	recorder := service.NewRecordingService(store, capture, coordinator, aligner)

	cfg := &config.Config{Port: "0"}
	return NewServer(cfg, store, recorder), capture
}

// collectResponder копит ответы и broadcast-события команды.
type collectResponder struct {
	mu      sync.Mutex
	replies []Message
	events  []Message
}

func (r *collectResponder) Reply(msg Message) {
	r.mu.Lock()
	r.replies = append(r.replies, msg)
	r.mu.Unlock()
}

func (r *collectResponder) Broadcast(msg Message) {
	r.mu.Lock()
	r.events = append(r.events, msg)
	r.mu.Unlock()
}

func (r *collectResponder) reply(t *testing.T, i int) Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) <= i {
		t.Fatalf("expected at least %d replies, got %d", i+1, len(r.replies))
	}
	return r.replies[i]
}

func TestProcessMessageRecordingFlow(t *testing.T) {
	s, capture := newTestServer(t)
	rsp := &collectResponder{}

	s.processMessage(rsp, Message{Type: "start_recording"})

	started := rsp.reply(t, 0)
	if started.Type != "recording_started" {
		t.Fatalf("expected recording_started, got %q (%s)", started.Type, started.Error)
	}
	if started.Note == nil || started.Note.Status != session.NoteStatusRecording {
		t.Fatalf("expected draft note in reply, got %+v", started.Note)
	}
	if !s.Recorder.Recording() {
		t.Fatal("recorder must be active after start")
	}

	// Блоки дочитываются воркером при остановке, push до stop достаточно
	capture.push(3200, 0.25)
	capture.push(3200, 0.25)

	s.processMessage(rsp, Message{Type: "stop_recording"})

	stopped := rsp.reply(t, 1)
	if stopped.Type != "recording_stopped" {
		t.Fatalf("expected recording_stopped, got %q (%s)", stopped.Type, stopped.Error)
	}
	note := stopped.Note
	if note == nil || note.Status != session.NoteStatusDone {
		t.Fatalf("expected done note, got %+v", note)
	}
	if note.Text == "" || len(note.Segments) == 0 {
		t.Fatalf("expected transcript in note, got text=%q segments=%d", note.Text, len(note.Segments))
	}
	// 6400 сэмплов на 16 кГц
	if note.DurationSec < 0.3 || note.DurationSec > 0.5 {
		t.Fatalf("unexpected duration %.3f", note.DurationSec)
	}

	var gotOn, gotOff bool
	rsp.mu.Lock()
	for _, ev := range rsp.events {
		if ev.Type == "state" && ev.Recording {
			gotOn = true
		}
		if ev.Type == "state" && !ev.Recording {
			gotOff = true
		}
	}
	rsp.mu.Unlock()
	if !gotOn || !gotOff {
		t.Fatalf("expected state broadcasts for both transitions: on=%v off=%v", gotOn, gotOff)
	}
}

func TestProcessMessageValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name string
		msg  Message
	}{
		{"get note without id", Message{Type: "get_note"}},
		{"delete note without id", Message{Type: "delete_note"}},
		{"import without path", Message{Type: "import_file"}},
		{"export without id", Message{Type: "export_mp3"}},
		{"voiceprint without name", Message{Type: "save_voiceprint", Speaker: 1}},
		{"delete voiceprint without id", Message{Type: "delete_voiceprint"}},
		{"unknown command", Message{Type: "fly_to_moon"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rsp := &collectResponder{}
			s.processMessage(rsp, tc.msg)
			got := rsp.reply(t, 0)
			if got.Type != "error" || got.Error == "" {
				t.Fatalf("expected error reply, got %+v", got)
			}
		})
	}
}

func TestStopWithoutRecording(t *testing.T) {
	s, _ := newTestServer(t)
	rsp := &collectResponder{}

	s.processMessage(rsp, Message{Type: "stop_recording"})
	if got := rsp.reply(t, 0); got.Type != "error" {
		t.Fatalf("expected error, got %q", got.Type)
	}
}

func TestNotesHTTPAPI(t *testing.T) {
	s, _ := newTestServer(t)

	note := &session.Note{
		ID:          "n-1",
		Title:       "Встреча по проекту",
		CreatedAt:   time.Now(),
		Source:      session.SourceMicrophone,
		Text:        "Привет.",
		Status:      session.NoteStatusDone,
		DurationSec: 1.5,
		SampleRate:  16000,
		Channels:    1,
	}
	if err := s.Store.SaveNote(note); err != nil {
		t.Fatalf("save note: %v", err)
	}

	rr := httptest.NewRecorder()
	s.handleNotesAPI(rr, httptest.NewRequest(http.MethodGet, "/api/notes/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: unexpected status %d", rr.Code)
	}
	var notes []session.NoteInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &notes); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "n-1" {
		t.Fatalf("unexpected list: %+v", notes)
	}

	rr = httptest.NewRecorder()
	s.handleNotesAPI(rr, httptest.NewRequest(http.MethodGet, "/api/notes/n-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: unexpected status %d", rr.Code)
	}
	var got session.Note
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode note: %v", err)
	}
	if got.Title != note.Title || got.Text != note.Text {
		t.Fatalf("unexpected note: %+v", got)
	}

	rr = httptest.NewRecorder()
	s.handleNotesAPI(rr, httptest.NewRequest(http.MethodGet, "/api/notes/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing note: unexpected status %d", rr.Code)
	}

	// Аудио у заметки нет — файловые ручки отвечают 404
	rr = httptest.NewRecorder()
	s.handleNotesAPI(rr, httptest.NewRequest(http.MethodGet, "/api/notes/n-1/audio.wav", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("audio without file: unexpected status %d", rr.Code)
	}
}

// jsonClient лёгкий gRPC JSON клиент для стрима Control.
type jsonClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func newJSONClient(t *testing.T, addr string) *jsonClient {
	t.Helper()

	conn, err := grpc.Dial(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			// Поддержка формата unix:/path
			if len(addr) > 5 && addr[:5] == "unix:" {
				return net.DialTimeout("unix", addr[5:], 3*time.Second)
			}
			return net.DialTimeout("tcp", addr, 3*time.Second)
		}),
	)
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}

	stream, err := conn.NewStream(context.Background(), &_Control_serviceDesc.Streams[0], "/voxnote.Control/Stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	return &jsonClient{conn: conn, stream: stream}
}

func (c *jsonClient) send(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Отправляем как generic interface{}, чтобы сработал ForceCodec(jsonCodec{})
	var any interface{}
	if err := json.Unmarshal(raw, &any); err != nil {
		return err
	}
	return c.stream.SendMsg(any)
}

func (c *jsonClient) recv(timeout time.Duration) (Message, error) {
	var msg Message
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	recvDone := make(chan error, 1)
	go func() { recvDone <- c.stream.RecvMsg(&msg) }()
	select {
	case err := <-recvDone:
		return msg, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *jsonClient) close() {
	_ = c.stream.CloseSend()
	_ = c.conn.Close()
}

func TestControlStreamDevicesAndNotes(t *testing.T) {
	socket := "/tmp/voxnote-test.sock"

	s, _ := newTestServer(t)
	s.Config.GRPCAddr = "unix:" + socket
	go s.startGRPCServer()
	time.Sleep(300 * time.Millisecond) // дать сокету создаться

	client := newJSONClient(t, s.Config.GRPCAddr)
	defer client.close()

	// Первый кадр стрима — текущее состояние записи
	first, err := client.recv(2 * time.Second)
	if err != nil {
		t.Fatalf("recv state: %v", err)
	}
	if first.Type != "state" || first.Recording {
		t.Fatalf("expected idle state frame, got %+v", first)
	}

	if err := client.send(Message{Type: "list_devices"}); err != nil {
		t.Fatalf("send list_devices: %v", err)
	}
	if err := client.send(Message{Type: "list_notes"}); err != nil {
		t.Fatalf("send list_notes: %v", err)
	}

	gotDevices := false
	gotNotes := false
	for !(gotDevices && gotNotes) {
		msg, err := client.recv(2 * time.Second)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		switch msg.Type {
		case "devices":
			if len(msg.Devices) != 1 || msg.Devices[0].ID != "mic-1" {
				t.Fatalf("unexpected devices: %+v", msg.Devices)
			}
			gotDevices = true
		case "notes":
			if len(msg.Notes) != 0 {
				t.Fatalf("expected empty notes, got %+v", msg.Notes)
			}
			gotNotes = true
		}
	}
}
