package config

import (
	"time"

	"github.com/tmc/langchaingo/llms"
)

type Configuration struct {
	APIKey       string               `json:"apiKey"`
	Endpoint     string               `json:"endpoint,omitempty"`
	Model        string               `json:"model,omitempty"`
	SystemPrompt string               `json:"systemPrompt,omitempty"`
	Voice        string               `json:"voice,omitempty"`
	InputDevice  string               `json:"inputDevice,omitempty"`
	OutputDevice string               `json:"outputDevice,omitempty"`
	VADEnabled   bool                 `json:"vadEnabled,omitempty"`
	VADModelPath string               `json:"vadModelPath,omitempty"`
	DumpDir      string               `json:"dumpDir,omitempty"`
	Functions    []FunctionDefinition `json:"tools,omitempty"`
}

type FunctionDefinition struct {
	llms.FunctionDefinition
	Container
}

type Container struct {
	Image   string            `json:"image"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}
