// Package services implements the language model providers and the tools the completion server offers to
// them.
package services

// LLMParameters holds the optional sampling parameters of a provider. Nil fields are left to the
// provider's defaults.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
	MaxTokens        *int     `yaml:"maxTokens"`
}

const errLoggerKey = "err"
