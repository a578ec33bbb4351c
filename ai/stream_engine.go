package ai

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

// UpdateKind тип события от потокового движка.
type UpdateKind int

const (
	// UpdateText — инкрементальное обновление текста (confirmed или volatile).
	UpdateText UpdateKind = iota
	// UpdateEnded — движок завершил сессию и вернул финальный текст.
	UpdateEnded
	// UpdateError — ошибка внутри сессии; сессию не роняет.
	UpdateError
)

// StreamUpdate событие потокового распознавания. Confirmed-текст приходит
// накопленным целиком, поэтому пропуск одного события восстанавливается
// следующим.
type StreamUpdate struct {
	Kind            UpdateKind
	Text            string
	IsConfirmed     bool
	Confidence      float32
	TokensPerSecond float64
	Err             error
}

// StreamEngineConfig конфигурация потокового движка.
type StreamEngineConfig struct {
	BinaryPath            string  // Путь к бинарю движка
	ModelDir              string  // Каталог моделей
	SampleRate            int     // Частота входного аудио (default: 16000)
	ChunkSeconds          float64 // Размер окна декодирования (default: 15.0)
	ConfirmationThreshold float64 // Порог подтверждения текста (default: 0.85)
}

// streamCommand команда для движка (NDJSON в stdin).
type streamCommand struct {
	Command               string    `json:"command"`
	ModelDir              *string   `json:"model_dir,omitempty"`
	SampleRate            *int      `json:"sample_rate,omitempty"`
	Samples               []float32 `json:"samples,omitempty"`
	SamplesBase64         *string   `json:"samples_base64,omitempty"`
	ChunkSeconds          *float64  `json:"chunk_seconds,omitempty"`
	ConfirmationThreshold *float64  `json:"confirmation_threshold,omitempty"`
}

// streamResponse ответ движка (NDJSON из stdout).
type streamResponse struct {
	Type            string   `json:"type"`
	Text            *string  `json:"text,omitempty"`
	IsConfirmed     *bool    `json:"is_confirmed,omitempty"`
	Confidence      *float32 `json:"confidence,omitempty"`
	TokensPerSecond *float64 `json:"tokens_per_second,omitempty"`
	Message         *string  `json:"message,omitempty"`
}

// StreamEngine управляет subprocess-движком потокового распознавания.
// Процесс живёт через несколько записей: init выполняется один раз,
// reset возвращает движок в исходное состояние между сессиями.
//
// Feed не блокируется: буферы идут через канал в отдельную горутину
// записи. Все события stdout читает одна горутина и публикует их в
// Updates строго в порядке поступления.
type StreamEngine struct {
	config StreamEngineConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	feed    chan []float32
	updates chan StreamUpdate

	mu          sync.Mutex
	running     bool
	ready       bool
	droppedFeed uint64
}

const (
	feedQueueSize   = 64
	updateQueueSize = 256
)

// NewStreamEngine запускает subprocess и отправляет init. Готовность
// модели наступает асинхронно: проверяется через Ready или WaitReady.
func NewStreamEngine(config StreamEngineConfig) (*StreamEngine, error) {
	if config.BinaryPath == "" {
		return nil, fmt.Errorf("engine binary path is empty")
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	e := &StreamEngine{
		config:  config,
		feed:    make(chan []float32, feedQueueSize),
		updates: make(chan StreamUpdate, updateQueueSize),
	}

	e.cmd = exec.Command(config.BinaryPath)

	var err error
	e.stdin, err = e.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := e.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := e.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine subprocess: %w", err)
	}
	e.running = true

	go e.readStderr(stderr)
	go e.readResponses(stdout)
	go e.writeLoop()

	if err := e.sendInit(); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

func (e *StreamEngine) sendInit() error {
	cmd := streamCommand{
		Command:    "init",
		SampleRate: &e.config.SampleRate,
	}
	if e.config.ModelDir != "" {
		cmd.ModelDir = &e.config.ModelDir
	}
	if e.config.ChunkSeconds > 0 {
		cmd.ChunkSeconds = &e.config.ChunkSeconds
	}
	if e.config.ConfirmationThreshold > 0 {
		cmd.ConfirmationThreshold = &e.config.ConfirmationThreshold
	}
	return e.sendCommand(cmd)
}

// Ready сообщает, загрузил ли движок модель.
func (e *StreamEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && e.ready
}

// WaitReady ждёт готовности модели (первая загрузка может занимать десятки
// секунд).
func (e *StreamEngine) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Ready() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("engine not ready after %v", timeout)
}

// Feed отправляет аудио в сессию. Не блокируется: при переполнении
// очереди самый старый необработанный буфер выбрасывается. Срез
// копируется, вызывающий может переиспользовать свой буфер сразу.
func (e *StreamEngine) Feed(samples []float32) {
	if len(samples) == 0 {
		return
	}

	buf := make([]float32, len(samples))
	copy(buf, samples)

	for {
		select {
		case e.feed <- buf:
			return
		default:
		}
		select {
		case <-e.feed:
			e.mu.Lock()
			e.droppedFeed++
			e.mu.Unlock()
		default:
		}
	}
}

// FeedSync отправляет аудио в сессию, минуя очередь Feed: блокируется до
// записи в stdin. Для путей, где терять буферы нельзя (импорт файла).
func (e *StreamEngine) FeedSync(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("engine not running")
	}
	return e.sendSamples(samples)
}

// Finish просит движок завершить сессию. Финальный текст придёт событием
// UpdateEnded в Updates, когда движок дообработает хвост.
func (e *StreamEngine) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("engine not running")
	}
	return e.sendCommand(streamCommand{Command: "finish"})
}

// Reset немедленно сбрасывает состояние сессии, не дожидаясь финального
// текста. Используется для отмены и подготовки к новой записи.
func (e *StreamEngine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("engine not running")
	}

	// Выбрасываем недоставленное аудио: после reset оно не нужно.
	for {
		select {
		case <-e.feed:
			continue
		default:
		}
		break
	}

	return e.sendCommand(streamCommand{Command: "reset"})
}

// Updates возвращает канал событий. Читается одной горутиной-потребителем.
func (e *StreamEngine) Updates() <-chan StreamUpdate {
	return e.updates
}

// DroppedFeeds возвращает количество буферов, вытесненных из очереди Feed.
func (e *StreamEngine) DroppedFeeds() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedFeed
}

// Close завершает subprocess.
func (e *StreamEngine) Close() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.sendCommand(streamCommand{Command: "exit"})
	if e.stdin != nil {
		e.stdin.Close()
	}
	e.mu.Unlock()

	if e.cmd != nil && e.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- e.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			e.cmd.Process.Kill()
			<-done
		}
	}

	log.Println("StreamEngine: closed")
	return nil
}

// writeLoop сериализует отправку аудио в stdin: единственная пишущая
// горутина для stream-команд, FIFO.
func (e *StreamEngine) writeLoop() {
	for samples := range e.feed {
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return
		}
		err := e.sendSamples(samples)
		e.mu.Unlock()
		if err != nil {
			log.Printf("StreamEngine: feed write failed: %v", err)
			return
		}
	}
}

// sendSamples кодирует stream-команду: маленькие буферы как JSON-массив,
// большие как base64 little-endian float32.
func (e *StreamEngine) sendSamples(samples []float32) error {
	cmd := streamCommand{Command: "stream"}

	if len(samples) > 1000 {
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.LittleEndian, samples)
		encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
		cmd.SamplesBase64 = &encoded
	} else {
		cmd.Samples = samples
	}

	return e.sendCommand(cmd)
}

func (e *StreamEngine) sendCommand(cmd streamCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if _, err := e.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// readResponses — единственный читатель stdout. Разбирает NDJSON и
// публикует события в порядке поступления.
func (e *StreamEngine) readResponses(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var resp streamResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Printf("StreamEngine: failed to parse response: %v", err)
			continue
		}
		e.handleResponse(resp)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("StreamEngine: scanner error: %v", err)
	}
}

func (e *StreamEngine) handleResponse(resp streamResponse) {
	switch resp.Type {
	case "ready":
		e.mu.Lock()
		e.ready = true
		e.mu.Unlock()
		log.Println("StreamEngine: model ready")

	case "update":
		if resp.Text == nil || resp.IsConfirmed == nil {
			return
		}
		update := StreamUpdate{
			Kind:        UpdateText,
			Text:        *resp.Text,
			IsConfirmed: *resp.IsConfirmed,
		}
		if resp.Confidence != nil {
			update.Confidence = *resp.Confidence
		}
		if resp.TokensPerSecond != nil {
			update.TokensPerSecond = *resp.TokensPerSecond
		}
		e.publish(update)

	case "final":
		text := ""
		if resp.Text != nil {
			text = *resp.Text
		}
		e.publish(StreamUpdate{Kind: UpdateEnded, Text: text})

	case "error":
		msg := "unknown engine error"
		if resp.Message != nil {
			msg = *resp.Message
		}
		log.Printf("StreamEngine: %s", msg)
		e.publish(StreamUpdate{Kind: UpdateError, Err: fmt.Errorf("%s", msg)})

	default:
		log.Printf("StreamEngine: unknown response type: %s", resp.Type)
	}
}

// publish кладёт событие в канал без блокировки. Потребителя нет только
// между сессиями, когда событий и так не бывает; переполнение означает
// зависший потребитель и лечится выбрасыванием с логом.
func (e *StreamEngine) publish(update StreamUpdate) {
	select {
	case e.updates <- update:
	default:
		log.Printf("StreamEngine: updates queue full, dropping %v", update.Kind)
	}
}

func (e *StreamEngine) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Printf("[stream-engine] %s", scanner.Text())
	}
}
