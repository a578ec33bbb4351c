package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/huanglizhuo/VoxNote/ai"
	"github.com/huanglizhuo/VoxNote/audio"
	"github.com/huanglizhuo/VoxNote/internal/api"
	"github.com/huanglizhuo/VoxNote/internal/config"
	"github.com/huanglizhuo/VoxNote/internal/service"
	"github.com/huanglizhuo/VoxNote/session"
	"github.com/huanglizhuo/VoxNote/voiceprint"
)

func main() {
	log.Println("VoxNote backend starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	log.Printf("Data directory: %s", cfg.DataDir)

	store, err := session.OpenStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open note store: %v", err)
	}

	capture, err := audio.NewCapture(audio.CaptureConfig{
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
	})
	if err != nil {
		log.Fatalf("Failed to init audio capture: %v", err)
	}

	// Распознавание опционально: без движка бэкенд поднимается, заметки
	// читаются, но старт записи вернёт ошибку
	var engine *ai.StreamEngine
	if cfg.Engine.BinaryPath != "" {
		engine, err = ai.NewStreamEngine(ai.StreamEngineConfig{
			BinaryPath:            cfg.Engine.BinaryPath,
			ModelDir:              cfg.Engine.ModelDir,
			SampleRate:            session.RecognizerSampleRate,
			ChunkSeconds:          cfg.Engine.ChunkSeconds,
			ConfirmationThreshold: cfg.Engine.ConfirmationThreshold,
		})
		if err != nil {
			log.Printf("Warning: recognizer unavailable: %v", err)
			engine = nil
		}
	} else {
		log.Printf("Warning: recognizer binary not configured (-engine)")
	}

	// Интерфейс присваивается только от живого движка, иначе проверка
	// на nil внутри координатора не сработает
	var stream service.StreamSession
	if engine != nil {
		stream = engine
	}
	coordinator := service.NewTranscriptionCoordinator(stream)

	var diarizer service.Diarizer
	if cfg.Diarization.SegmentationModelPath != "" && cfg.Diarization.EmbeddingModelPath != "" {
		d, derr := ai.NewDiarizer(ai.DiarizerConfig{
			SegmentationModelPath: cfg.Diarization.SegmentationModelPath,
			EmbeddingModelPath:    cfg.Diarization.EmbeddingModelPath,
			Provider:              cfg.Diarization.Provider,
			NumSpeakers:           cfg.Diarization.NumSpeakers,
			ClusteringThreshold:   float32(cfg.Diarization.ClusteringThreshold),
		})
		if derr != nil {
			log.Printf("Warning: diarization disabled: %v", derr)
		} else {
			diarizer = d
		}
	} else {
		log.Printf("Diarization models not configured, speaker labels disabled")
	}
	aligner := service.NewDiarizationAligner(diarizer)

	recorder := service.NewRecordingService(store, capture, coordinator, aligner)

	if cfg.Voiceprints.EncoderModelPath != "" {
		encoder, eerr := ai.NewSpeakerEncoder(ai.DefaultSpeakerEncoderConfig(cfg.Voiceprints.EncoderModelPath))
		if eerr != nil {
			log.Printf("Warning: voiceprints disabled: %v", eerr)
		} else {
			vpStore, verr := voiceprint.NewStore(store.DataDir())
			if verr != nil {
				log.Printf("Warning: voiceprints disabled: %v", verr)
			} else {
				recorder.SetVoiceprints(vpStore, encoder)
			}
		}
	}

	srv := api.NewServer(cfg, store, recorder)

	// Graceful shutdown: активная запись дописывается в заметку, а не
	// пропадает
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("Got signal %v, shutting down...", sig)
		if recorder.Recording() {
			if _, err := recorder.StopRecording(); err != nil {
				log.Printf("Failed to finalize recording: %v", err)
			}
		}
		if engine != nil {
			engine.Close()
		}
		store.Close()
		os.Exit(0)
	}()

	srv.Start()
}
