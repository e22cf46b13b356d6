package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

var (
	mu          sync.Mutex
	envFilePath string
	loaded      = map[string]bool{}
)

// SetEnvFile points every later New call at path instead of ./.env.
func SetEnvFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	envFilePath = strings.TrimSpace(path)
}

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New fills T from the environment under prefix after exporting the
// configured env file once. Variables already set in the process win.
func New[T any](prefix string) (*T, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}

	return &conf, nil
}

func loadEnvFile() error {
	mu.Lock()
	defer mu.Unlock()

	path := envFilePath
	if path == "" {
		if err := exportEnvironmentIfExists(".env"); err != nil {
			return fmt.Errorf("failed to load default env file: %w", err)
		}
		return nil
	}
	if loaded[path] {
		return nil
	}
	if err := exportEnvironment(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	loaded[path] = true
	return nil
}

func exportEnvironmentIfExists(path string) error {
	if loaded[path] {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if err := exportEnvironment(path); err != nil {
		return err
	}
	loaded[path] = true
	return nil
}

// exportEnvironment reads dotenv files with godotenv and structured files
// (yaml, json, toml) with viper.
func exportEnvironment(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return exportStructured(path)
	default:
		return godotenv.Load(path)
	}
}

func exportStructured(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for _, k := range v.AllKeys() {
		name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(k))
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if err := os.Setenv(name, fmt.Sprint(v.Get(k))); err != nil {
			return err
		}
	}

	return nil
}
