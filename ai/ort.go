package ai

import (
	"fmt"
	"log"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNX Runtime инициализируется один раз на процесс
var (
	onnxInitialized bool
	onnxInitMu      sync.Mutex
)

func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")

	// Если переменная не задана, ищем библиотеку в стандартных местах
	if libPath == "" {
		searchPaths := []string{
			// Resources директория .app bundle
			"../Resources/libonnxruntime.1.22.0.dylib",
			"../Resources/libonnxruntime.dylib",
			// Рядом с исполняемым файлом
			"./libonnxruntime.1.22.0.dylib",
			"./libonnxruntime.dylib",
			"./libonnxruntime.so",
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath == "" {
		log.Println("ONNX Runtime library not found, speaker encoder will not be available")
		return fmt.Errorf("ONNX Runtime library not found")
	}

	log.Printf("Using ONNX Runtime library: %s", libPath)
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}

	onnxInitialized = true
	log.Println("ONNX Runtime initialized successfully")
	return nil
}
