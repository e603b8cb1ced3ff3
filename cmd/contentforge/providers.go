package main

// Provider blank imports: each import activates a self-registering model
// provider adapter.

import (
	_ "github.com/Strob0t/ContentForge/internal/adapter/anthropic"
	_ "github.com/Strob0t/ContentForge/internal/adapter/gemini"
	_ "github.com/Strob0t/ContentForge/internal/adapter/openai"
)
