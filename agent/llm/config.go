package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	openrouterx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/openrouter"
)

type Config struct {
	// Enabled switches workers and the router from the deterministic paths to
	// the OpenRouter-backed classifier and completer.
	Enabled            bool          `split_words:"true" default:"false"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" default:"openai/gpt-4o-mini"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	ClassifierModel       string  `envconfig:"CLASSIFIER_MODEL" split_words:"true"`
	ClassifierTemperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" split_words:"true" default:"0"`

	// WorkerModels overrides the model per worker, e.g. "support:anthropic/claude-3.5-haiku".
	WorkerModels map[string]string `envconfig:"WORKER_MODELS" split_words:"true"`
	// WorkerTemperatures overrides the temperature per worker, e.g. "order:0.2".
	WorkerTemperatures map[string]float32 `envconfig:"WORKER_TEMPERATURES" split_words:"true"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	for worker := range c.WorkerModels {
		if !contractx.WorkerID(worker).Valid() {
			return fmt.Errorf("%w: model override for unknown worker %q", contractx.ErrValidation, worker)
		}
	}
	return nil
}

// OpenRouterFor resolves the chat model settings for one worker.
func (c Config) OpenRouterFor(worker contractx.WorkerID) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	if v := strings.TrimSpace(c.WorkerModels[string(worker)]); v != "" {
		modelName = v
	}
	temp := c.Temperature
	if v, ok := c.WorkerTemperatures[string(worker)]; ok && v >= 0 {
		temp = v
	}
	return c.openRouter(modelName, temp)
}

// ClassifierOpenRouter resolves the chat model settings for intent classification.
func (c Config) ClassifierOpenRouter() openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	if v := strings.TrimSpace(c.ClassifierModel); v != "" {
		modelName = v
	}
	temp := c.ClassifierTemperature
	if temp < 0 {
		temp = c.Temperature
	}
	return c.openRouter(modelName, temp)
}

func (c Config) openRouter(modelName string, temp float32) openrouterx.Config {
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
