package config

import "github.com/basket/agentcore/internal/persistence"

// StarterModels is the catalog seeded when no models.yaml exists.
func StarterModels() []persistence.ModelRecord {
	return []persistence.ModelRecord{
		{ID: "google/gemini-2.5-flash", Provider: "google", ModelID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash",
			ContextWindow: 1_000_000, InputCostPer1K: 0.0003, OutputCostPer1K: 0.0025, Active: true, SortOrder: 10},
		{ID: "anthropic/claude-haiku-4-5", Provider: "anthropic", ModelID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5",
			ContextWindow: 200_000, InputCostPer1K: 0.001, OutputCostPer1K: 0.005, Active: true, SortOrder: 20},
		{ID: "openai/gpt-4o-mini", Provider: "openai", ModelID: "gpt-4o-mini", DisplayName: "GPT-4o mini",
			ContextWindow: 128_000, InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, Active: true, SortOrder: 30},
		{ID: "anthropic/claude-sonnet-4-5", Provider: "anthropic", ModelID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5",
			ContextWindow: 200_000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015, Active: true, Premium: true, SortOrder: 40},
		{ID: "google/gemini-2.5-pro", Provider: "google", ModelID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro",
			ContextWindow: 1_000_000, InputCostPer1K: 0.00125, OutputCostPer1K: 0.01, Active: true, Premium: true, SortOrder: 50},
		{ID: "openai/gpt-4o", Provider: "openai", ModelID: "gpt-4o", DisplayName: "GPT-4o",
			ContextWindow: 128_000, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, Active: true, Premium: true, SortOrder: 60},
		{ID: "openrouter/auto", Provider: "openrouter", ModelID: "openrouter/auto", DisplayName: "OpenRouter Auto",
			ContextWindow: 128_000, InputCostPer1K: 0.002, OutputCostPer1K: 0.008, Active: false, SortOrder: 70},
	}
}
