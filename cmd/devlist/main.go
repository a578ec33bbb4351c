// Список устройств захвата, как их видит бэкенд.
// Запуск: go run ./cmd/devlist

package main

import (
	"log"

	"github.com/huanglizhuo/VoxNote/audio"
)

func main() {
	capture, err := audio.NewCapture(audio.DefaultCaptureConfig())
	if err != nil {
		log.Fatalf("Ошибка инициализации аудио: %v", err)
	}
	defer capture.Close()

	devices, err := capture.ListDevices()
	if err != nil {
		log.Fatalf("Ошибка перечисления устройств: %v", err)
	}

	log.Printf("Найдено устройств: %d", len(devices))
	for i, d := range devices {
		mark := ""
		if d.IsLoopback {
			mark = " [loopback]"
		}
		log.Printf("  %d. %s%s", i+1, d.Name, mark)
		log.Printf("     id: %s", d.ID)
	}

	if audio.SystemTapAvailable() {
		log.Println("Системный звук: доступен")
	} else {
		log.Println("Системный звук: недоступен на этой платформе")
	}
}
