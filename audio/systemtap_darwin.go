//go:build darwin

package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	systemTapCmd     *exec.Cmd
	systemTapMu      sync.Mutex
	systemTapRunning bool
)

// getSystemTapBinaryPath возвращает путь к вспомогательному бинарю
// voxnote-audiotap (Core Audio Process Tap, собирается отдельно).
func getSystemTapBinaryPath() string {
	paths := []string{
		filepath.Join(filepath.Dir(os.Args[0]), "voxnote-audiotap"),
		"audio/audiotap/.build/release/voxnote-audiotap",
		".build/release/voxnote-audiotap",
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return "voxnote-audiotap" // надеемся что в PATH
}

// SystemTapAvailable проверяет доступность системного тапа: нужен бинарь
// и macOS 14.2+ (Core Audio Process Tap).
func SystemTapAvailable() bool {
	path := getSystemTapBinaryPath()
	if _, err := os.Stat(path); err != nil {
		if _, err := exec.LookPath("voxnote-audiotap"); err != nil {
			return false
		}
	}

	cmd := exec.Command("sw_vers", "-productVersion")
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	version := strings.TrimSpace(string(output))
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return false
	}

	major := 0
	minor := 0
	fmt.Sscanf(parts[0], "%d", &major)
	if len(parts) > 1 {
		fmt.Sscanf(parts[1], "%d", &minor)
	}

	return major > 14 || (major == 14 && minor >= 2)
}

// StartSystemTap запускает захват системного звука без loopback-драйвера.
// Хелпер стримит PCM в stdout: [маркер 'A' 1 байт][число сэмплов 4 байта LE]
// [float32 LE interleaved]. Формат потока фиксирован: 48 кГц стерео.
func (c *Capture) StartSystemTap() error {
	systemTapMu.Lock()
	defer systemTapMu.Unlock()

	if systemTapRunning {
		return fmt.Errorf("system tap already running")
	}

	binaryPath := getSystemTapBinaryPath()
	if _, err := os.Stat(binaryPath); err != nil {
		if lp, lpErr := exec.LookPath("voxnote-audiotap"); lpErr == nil {
			binaryPath = lp
		} else {
			return fmt.Errorf("voxnote-audiotap binary not found at %s", binaryPath)
		}
	}

	systemTapCmd = exec.Command(binaryPath)

	stdout, err := systemTapCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := systemTapCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := systemTapCmd.Start(); err != nil {
		return fmt.Errorf("failed to start voxnote-audiotap: %w", err)
	}

	systemTapRunning = true

	// stderr: строки READY / ERROR / прочие логи хелпера
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "READY") {
				log.Println("System tap: started")
			} else {
				log.Printf("System tap: %s", line)
			}
		}
	}()

	go func() {
		defer func() {
			systemTapMu.Lock()
			systemTapRunning = false
			systemTapMu.Unlock()
		}()

		reader := bufio.NewReader(stdout)
		header := make([]byte, 5)
		samples := make([]float32, MaxBlockFrames*TapChannels)

		for {
			if _, err := io.ReadFull(reader, header); err != nil {
				if err != io.EOF {
					log.Printf("System tap: header read error: %v", err)
				}
				return
			}

			if header[0] != 'A' {
				log.Printf("System tap: unknown frame marker 0x%02X", header[0])
				continue
			}
			sampleCount := binary.LittleEndian.Uint32(header[1:5])
			if sampleCount == 0 || sampleCount > 1<<20 {
				log.Printf("System tap: invalid sample count %d", sampleCount)
				continue
			}

			data := make([]byte, int(sampleCount)*4)
			if _, err := io.ReadFull(reader, data); err != nil {
				if err != io.EOF {
					log.Printf("System tap: data read error: %v", err)
				}
				return
			}

			if int(sampleCount) > len(samples) {
				samples = make([]float32, sampleCount)
			}
			for i := uint32(0); i < sampleCount; i++ {
				bits := binary.LittleEndian.Uint32(data[i*4 : (i+1)*4])
				samples[i] = math.Float32frombits(bits)
			}

			c.ingest(samples[:sampleCount], TapSampleRate, TapChannels)
		}
	}()

	return nil
}

// StopSystemTap останавливает хелпер: SIGINT, затем SIGKILL по таймауту.
func (c *Capture) StopSystemTap() {
	systemTapMu.Lock()
	defer systemTapMu.Unlock()

	if !systemTapRunning || systemTapCmd == nil {
		return
	}

	if systemTapCmd.Process != nil {
		systemTapCmd.Process.Signal(os.Interrupt)

		done := make(chan error, 1)
		go func() {
			done <- systemTapCmd.Wait()
		}()

		select {
		case <-done:
			log.Println("System tap: stopped")
		case <-time.After(5 * time.Second):
			log.Println("System tap: didn't stop gracefully, killing")
			systemTapCmd.Process.Kill()
			<-done
		}
	}

	systemTapCmd = nil
	systemTapRunning = false
}
