//go:build windows

package wintray

const (
	firstTimeTitle   = "Welcome to Ollama"
	firstTimeMessage = "Run your first model in a PowerShell or cmd terminal.\r\n  ollama run llama2"
	updateTitle      = "Upgrade Ollama"
	updateMessage    = "A new version of Ollama %s is ready to install"
)
