package audio

import (
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

const (
	// MaxBlockFrames — документированный максимум кадров в одном блоке от
	// устройства. Все буферы пайплайна преаллоцированы под этот размер,
	// блоки больше отбрасываются целиком.
	MaxBlockFrames = 8192

	// Количество преаллоцированных блоков. Хватает на несколько секунд
	// отставания воркера при типичном размере блока драйвера.
	blockPoolSize = 64

	// Интервал публикации уровня сигнала (~15 Гц), чтобы не заливать
	// подписчиков событиями на каждый блок.
	levelInterval = 66 * time.Millisecond

	// Формат потока системного тапа зашит в хелпер и не зависит от
	// настроек устройства захвата.
	TapSampleRate = 48000
	TapChannels   = 2
)

// AudioDevice представляет устройство захвата для UI и резолва по ID/имени.
type AudioDevice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsLoopback bool   `json:"isLoopback"`
}

// AudioBlock — один блок interleaved-сэмплов от устройства. Блок берётся из
// пула в аудио-коллбэке и возвращается воркером через Release; между этими
// точками им владеет ровно один потребитель.
type AudioBlock struct {
	Seq      uint64
	Rate     int
	Channels int
	Frames   int
	Selected int // канал с максимальной энергией в этом блоке
	Samples  []float32
}

// CaptureConfig задаёт формат, в котором устройство отдаёт блоки.
type CaptureConfig struct {
	SampleRate int
	Channels   int
}

// DefaultCaptureConfig — 48 кГц стерео, как отдают большинство устройств
// и loopback-драйверов.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: 48000, Channels: 2}
}

// Capture управляет одним аппаратным тапом. Коллбэк устройства ничего не
// аллоцирует и не блокируется: копирует сэмплы в блок из пула, выбирает
// канал, считает RMS и отдаёт блок воркеру через канал.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	cfg    CaptureConfig

	blocks       chan *AudioBlock
	free         chan *AudioBlock
	levels       chan float64
	blockSamples int // ёмкость одного блока пула в сэмплах

	seq       uint64
	lastLevel atomic.Int64
	dropped   atomic.Uint64

	mu      sync.Mutex
	running bool
}

func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid capture config: rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	c := newCapturePipeline(cfg)
	c.ctx = ctx
	return c, nil
}

// newCapturePipeline собирает каналы и пул блоков без аудио-контекста.
// Блоки рассчитаны и на формат устройства, и на фиксированный стерео
// формат системного тапа: тап пишет в тот же пул независимо от настроек
// захвата.
func newCapturePipeline(cfg CaptureConfig) *Capture {
	blockSamples := MaxBlockFrames * cfg.Channels
	if tap := MaxBlockFrames * TapChannels; blockSamples < tap {
		blockSamples = tap
	}

	c := &Capture{
		cfg:          cfg,
		blocks:       make(chan *AudioBlock, blockPoolSize),
		free:         make(chan *AudioBlock, blockPoolSize),
		levels:       make(chan float64, 4),
		blockSamples: blockSamples,
	}
	for i := 0; i < blockPoolSize; i++ {
		c.free <- &AudioBlock{Samples: make([]float32, blockSamples)}
	}
	return c
}

// ListDevices возвращает список устройств захвата (микрофоны и loopback).
func (c *Capture) ListDevices() ([]AudioDevice, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]AudioDevice, 0, len(infos))
	for _, dev := range infos {
		name := dev.Name()
		devices = append(devices, AudioDevice{
			ID:         deviceIDToString(dev.ID),
			Name:       name,
			IsLoopback: IsLoopbackName(name),
		})
	}
	return devices, nil
}

// IsLoopbackName определяет по имени, является ли устройство виртуальным
// loopback-адаптером, заворачивающим системный звук обратно на вход.
func IsLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"blackhole", "loopback", "soundflower", "vb-audio", "vb-cable", "virtual cable", "monitor of", "stereo mix"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Start открывает устройство и начинает захват. Пустой deviceID означает
// устройство по умолчанию.
func (c *Capture) Start(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("capture already running")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(c.cfg.Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if deviceID != "" && deviceID != "default" {
		id, err := stringToDeviceID(deviceID)
		if err != nil {
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	rate := c.cfg.SampleRate
	channels := c.cfg.Channels

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		frames := int(framecount)
		n := frames * channels
		if len(pInputSamples) != n*4 || frames > MaxBlockFrames {
			c.dropped.Add(1)
			return
		}

		var blk *AudioBlock
		select {
		case blk = <-c.free:
		default:
			c.dropped.Add(1)
			return
		}

		buf := blk.Samples[:n]
		for i := 0; i < n; i++ {
			bits := uint32(pInputSamples[i*4]) | uint32(pInputSamples[i*4+1])<<8 |
				uint32(pInputSamples[i*4+2])<<16 | uint32(pInputSamples[i*4+3])<<24
			buf[i] = math.Float32frombits(bits)
		}

		c.seq++
		blk.Seq = c.seq
		blk.Rate = rate
		blk.Channels = channels
		blk.Frames = frames
		blk.Samples = buf
		blk.Selected = SelectChannel(buf, channels)

		c.publishLevel(ChannelRMS(buf, channels, blk.Selected))

		select {
		case c.blocks <- blk:
		default:
			c.dropped.Add(1)
			c.release(blk)
		}
	}

	var err error
	c.device, err = malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return err
	}

	if err := c.device.Start(); err != nil {
		c.device.Uninit()
		c.device = nil
		return err
	}

	c.running = true
	log.Printf("Capture: started (rate=%d, channels=%d)", rate, channels)
	return nil
}

// publishLevel отдаёт RMS наружу не чаще levelInterval. Вызывается только
// из аудио-коллбэка, поэтому гонок по lastLevel нет.
func (c *Capture) publishLevel(rms float64) {
	now := time.Now().UnixNano()
	if now-c.lastLevel.Load() < int64(levelInterval) {
		return
	}
	c.lastLevel.Store(now)
	select {
	case c.levels <- rms:
	default:
	}
}

// Stop останавливает захват. Блоки, уже лежащие в канале, остаются
// доступными воркеру для дочитывания.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}

	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}

	c.running = false
	log.Println("Capture: stopped")
	return nil
}

// Blocks возвращает канал блоков для воркера.
func (c *Capture) Blocks() <-chan *AudioBlock {
	return c.blocks
}

// Levels возвращает канал с уровнями сигнала (~15 Гц).
func (c *Capture) Levels() <-chan float64 {
	return c.levels
}

// Release возвращает обработанный блок в пул.
func (c *Capture) Release(blk *AudioBlock) {
	if blk == nil {
		return
	}
	c.release(blk)
}

func (c *Capture) release(blk *AudioBlock) {
	select {
	case c.free <- blk:
	default:
	}
}

// ingest кладёт сэмплы внешнего источника (системный тап) в общий поток
// блоков тем же путём, что и аппаратный коллбэк. Большие пачки режутся на
// блоки так, чтобы каждый помещался в блок пула: при формате шире
// конфигурации захвата порог по кадрам ниже MaxBlockFrames. Источники не
// работают одновременно, поэтому счётчик seq разделяется безопасно.
func (c *Capture) ingest(samples []float32, rate, channels int) {
	if channels <= 0 {
		return
	}
	maxFrames := MaxBlockFrames
	if c.blockSamples > 0 && c.blockSamples/channels < maxFrames {
		maxFrames = c.blockSamples / channels
	}
	if maxFrames == 0 {
		c.dropped.Add(1)
		return
	}
	frames := len(samples) / channels

	for off := 0; off < frames; off += maxFrames {
		chunk := frames - off
		if chunk > maxFrames {
			chunk = maxFrames
		}
		n := chunk * channels

		var blk *AudioBlock
		select {
		case blk = <-c.free:
		default:
			c.dropped.Add(1)
			continue
		}

		buf := blk.Samples[:n]
		copy(buf, samples[off*channels:off*channels+n])

		c.seq++
		blk.Seq = c.seq
		blk.Rate = rate
		blk.Channels = channels
		blk.Frames = chunk
		blk.Samples = buf
		blk.Selected = SelectChannel(buf, channels)

		c.publishLevel(ChannelRMS(buf, channels, blk.Selected))

		select {
		case c.blocks <- blk:
		default:
			c.dropped.Add(1)
			c.release(blk)
		}
	}
}

// ClearBuffers выбрасывает накопленные блоки. Вызывается перед началом
// новой записи, чтобы не захватить хвост предыдущей.
func (c *Capture) ClearBuffers() {
	for {
		select {
		case blk := <-c.blocks:
			c.release(blk)
		default:
			return
		}
	}
}

// DroppedBlocks возвращает счётчик блоков, отброшенных из-за переполнения
// пула или канала.
func (c *Capture) DroppedBlocks() uint64 {
	return c.dropped.Load()
}

// Config возвращает формат захвата.
func (c *Capture) Config() CaptureConfig {
	return c.cfg
}

// SystemTapSupported сообщает, доступен ли нативный тап системного звука
// на этой машине.
func (c *Capture) SystemTapSupported() bool {
	return SystemTapAvailable()
}

// Running сообщает, идёт ли захват.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close освобождает ресурсы.
func (c *Capture) Close() {
	c.Stop()
	if c.ctx != nil {
		c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// Вспомогательные функции для конвертации DeviceID: первые 32 байта ID
// используются как строковый идентификатор.
func deviceIDToString(id malgo.DeviceID) string {
	var result strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		result.WriteByte(b)
	}
	return result.String()
}

func stringToDeviceID(s string) (*malgo.DeviceID, error) {
	if len(s) > 32 {
		return nil, fmt.Errorf("device ID too long")
	}
	var id malgo.DeviceID
	copy(id[:], []byte(s))
	return &id, nil
}
