package services

// LLMParameters holds optional sampling parameters shared by the LLM providers. A nil field leaves
// the provider's default in place.
type LLMParameters struct {
	TopP      *float32 `yaml:"topP"`
	Seed      *int     `yaml:"seed"`
	MaxTokens *int     `yaml:"maxTokens"`
	Stop      []string `yaml:"stop"`
}
