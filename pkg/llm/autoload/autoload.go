// Package autoload registers every built-in LLM provider.
package autoload

import (
	_ "relay/pkg/llm/claude"
	_ "relay/pkg/llm/gemini"
	_ "relay/pkg/llm/ollama"
	_ "relay/pkg/llm/openailm"
)
