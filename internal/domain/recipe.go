package domain

// Recipe is a reusable session template: instructions, extensions, and the
// environment keys the agent needs resolved before launch.
type Recipe struct {
	ID           string            `json:"id" yaml:"id"`
	Title        string            `json:"title" yaml:"title"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Prompt       string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Extensions   []string          `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	Provider     string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	EnvKeys      []string          `json:"env_keys,omitempty" yaml:"env_keys,omitempty"`
}
