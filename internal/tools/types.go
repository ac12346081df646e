package tools

// ToolServerConfig describes an MCP tool server binary.
type ToolServerConfig struct {
	Binary  string            `mapstructure:"binary"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
}

// ToolInfo describes one tool as seen from a snippet.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Server      string         `json:"server"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
