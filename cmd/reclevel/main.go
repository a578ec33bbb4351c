// Живой уровень сигнала с устройства захвата.
// Запуск: go run ./cmd/reclevel [-device id] [-seconds n]
// Остановка: Ctrl+C

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/huanglizhuo/VoxNote/audio"
)

func main() {
	deviceID := flag.String("device", "", "id устройства захвата (пусто = по умолчанию)")
	seconds := flag.Int("seconds", 0, "остановиться через n секунд (0 = до Ctrl+C)")
	flag.Parse()

	capture, err := audio.NewCapture(audio.DefaultCaptureConfig())
	if err != nil {
		log.Fatalf("Ошибка инициализации аудио: %v", err)
	}
	defer capture.Close()

	if err := capture.Start(*deviceID); err != nil {
		log.Fatalf("Ошибка запуска захвата: %v", err)
	}
	cfg := capture.Config()
	log.Printf("Захват: %d Гц, %d канал(ов). Нажмите Ctrl+C для остановки...",
		cfg.SampleRate, cfg.Channels)

	// Блоки надо вычитывать и возвращать в пул, иначе он исчерпается и
	// коллбэк начнёт терять звук
	var frames atomic.Uint64
	go func() {
		for blk := range capture.Blocks() {
			frames.Add(uint64(blk.Frames))
			capture.Release(blk)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Нулевой -seconds оставляет канал nil, такой case никогда не сработает
	var timeout <-chan time.Time
	if *seconds > 0 {
		timeout = time.After(time.Duration(*seconds) * time.Second)
	}

	for {
		select {
		case level := <-capture.Levels():
			bar := int(level * 50)
			if bar > 50 {
				bar = 50
			}
			log.Printf("[%-50s] %.3f", strings.Repeat("#", bar), level)
		case <-stop:
			report(capture, frames.Load())
			return
		case <-timeout:
			report(capture, frames.Load())
			return
		}
	}
}

func report(capture *audio.Capture, frames uint64) {
	capture.Stop()
	cfg := capture.Config()
	log.Printf("Захвачено %.1f сек (%d кадров), потеряно блоков: %d",
		float64(frames)/float64(cfg.SampleRate), frames, capture.DroppedBlocks())
}
