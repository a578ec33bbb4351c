package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EngineConfig настройки внешнего процесса распознавания
type EngineConfig struct {
	BinaryPath            string  `yaml:"binary_path"`
	ModelDir              string  `yaml:"model_dir"`
	ChunkSeconds          float64 `yaml:"chunk_seconds"`
	ConfirmationThreshold float64 `yaml:"confirmation_threshold"`
}

// CaptureConfig формат, запрашиваемый у устройства захвата
type CaptureConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Device     string `yaml:"device"`
}

// DiarizationConfig модели и параметры разметки спикеров
type DiarizationConfig struct {
	SegmentationModelPath string  `yaml:"segmentation_model"`
	EmbeddingModelPath    string  `yaml:"embedding_model"`
	Provider              string  `yaml:"provider"`
	NumSpeakers           int     `yaml:"num_speakers"`
	ClusteringThreshold   float64 `yaml:"clustering_threshold"`
}

// VoiceprintConfig модель голосовых отпечатков; без неё спикеры остаются
// с номерными метками
type VoiceprintConfig struct {
	EncoderModelPath string `yaml:"encoder_model"`
}

type Config struct {
	DataDir  string `yaml:"data_dir"`
	Port     string `yaml:"port"`
	GRPCAddr string `yaml:"grpc_addr"`

	Engine      EngineConfig      `yaml:"engine"`
	Capture     CaptureConfig     `yaml:"capture"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Voiceprints VoiceprintConfig  `yaml:"voiceprints"`
}

func Default() *Config {
	return &Config{
		DataDir: "data/notes",
		Port:    "8080",
		Engine: EngineConfig{
			ChunkSeconds:          15.0,
			ConfirmationThreshold: 0.85,
		},
		Capture: CaptureConfig{
			SampleRate: 48000,
			Channels:   2,
		},
		Diarization: DiarizationConfig{
			Provider:            "auto",
			NumSpeakers:         -1,
			ClusteringThreshold: 0.7,
		},
	}
}

// Load собирает конфигурацию для main: defaults, поверх них YAML файл из
// -config, поверх него явно заданные флаги.
func Load() (*Config, error) {
	cfg := Default()

	configPath := flag.String("config", "", "Path to YAML config file")
	dataDir := flag.String("data", cfg.DataDir, "Directory for notes")
	port := flag.String("port", cfg.Port, "HTTP server port")
	grpcAddr := flag.String("grpc", cfg.GRPCAddr, "gRPC listen address (unix:/path, npipe:\\\\.\\pipe\\name or host:port)")
	engineBin := flag.String("engine", cfg.Engine.BinaryPath, "Path to recognizer binary")
	modelDir := flag.String("models", cfg.Engine.ModelDir, "Directory with recognizer models")
	device := flag.String("device", cfg.Capture.Device, "Capture device ID or name substring")
	flag.Parse()

	if *configPath != "" {
		if err := cfg.applyFile(*configPath); err != nil {
			return nil, err
		}
	}

	// Явно заданный флаг сильнее значения из файла
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataDir = *dataDir
		case "port":
			cfg.Port = *port
		case "grpc":
			cfg.GRPCAddr = *grpcAddr
		case "engine":
			cfg.Engine.BinaryPath = *engineBin
		case "models":
			cfg.Engine.ModelDir = *modelDir
		case "device":
			cfg.Capture.Device = *device
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile читает конфигурацию из YAML файла поверх значений по умолчанию,
// без обращения к флагам процесса.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("port must be a number between 0 and 65535, got %q", c.Port)
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be positive")
	}
	if c.Capture.Channels < 1 || c.Capture.Channels > 8 {
		return fmt.Errorf("capture.channels must be between 1 and 8")
	}
	if c.Engine.ChunkSeconds <= 0 || c.Engine.ChunkSeconds > 60 {
		return fmt.Errorf("engine.chunk_seconds must be in (0, 60]")
	}
	if c.Engine.ConfirmationThreshold <= 0 || c.Engine.ConfirmationThreshold > 1 {
		return fmt.Errorf("engine.confirmation_threshold must be in (0, 1]")
	}
	if c.Diarization.NumSpeakers < -1 {
		return fmt.Errorf("diarization.num_speakers must be -1 (auto) or positive")
	}
	if t := c.Diarization.ClusteringThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("diarization.clustering_threshold must be in (0, 1]")
	}
	return nil
}
