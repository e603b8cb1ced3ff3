package pipeline

// BuiltinTemplates returns the set of built-in pipeline templates.
func BuiltinTemplates() []Template {
	return []Template{
		contentGeneration(),
		trendAnalysis(),
		scriptTranslation(),
	}
}

// contentGeneration: ideation -> scripting -> editing (optional polish pass).
func contentGeneration() Template {
	return Template{
		ID:          "content-generation",
		Name:        "Content Generation",
		Description: "Generate post ideas for a niche, script them for the target platform and polish the scripts.",
		Builtin:     true,
		Protocol:    ProtocolDAG,
		Steps: []StepSpec{
			{ID: "ideation", Agent: "ideation", Inputs: map[string]string{MergeKey: "input"}},
			{ID: "scripting", Agent: "scripting", Inputs: map[string]string{
				"platform": "input.platform",
				"tone":     "input.tone",
				"ideas":    "steps.ideation.ideas",
			}},
			{ID: "editing", Agent: "editing", Optional: true, Inputs: map[string]string{
				"platform": "input.platform",
				"scripts":  "steps.scripting.scripts",
			}},
		},
	}
}

// trendAnalysis: crawl sources -> summarize trends -> build a content calendar.
func trendAnalysis() Template {
	return Template{
		ID:          "trend-analysis",
		Name:        "Trend Analysis",
		Description: "Research current trends for an industry and platform, summarize them and plan a content calendar.",
		Builtin:     true,
		Protocol:    ProtocolDAG,
		Steps: []StepSpec{
			{ID: "research", Agent: "trend_research", Inputs: map[string]string{MergeKey: "input"}},
			{ID: "summary", Agent: "summarization", Inputs: map[string]string{
				"target_platform": "input.target_platform",
				"industry":        "input.industry",
				"trend_depth":     "input.trend_depth",
				"keywords":        "input.keywords",
				"sources":         "steps.research.sources",
			}},
			{ID: "calendar", Agent: "calendar", Optional: true, Inputs: map[string]string{
				"target_platform":   "input.target_platform",
				"calendar_duration": "input.calendar_duration",
				"trends":            "steps.summary.trends",
			}},
		},
	}
}

// scriptTranslation: script one idea, then translate it.
func scriptTranslation() Template {
	return Template{
		ID:          "script-translation",
		Name:        "Script Translation",
		Description: "Script supplied ideas and translate the scripts into a target language.",
		Builtin:     true,
		Protocol:    ProtocolSequential,
		Steps: []StepSpec{
			{ID: "scripting", Agent: "scripting", Inputs: map[string]string{
				"platform": "input.platform",
				"tone":     "input.tone",
				"ideas":    "input.ideas",
			}},
			{ID: "translation", Agent: "translation", Inputs: map[string]string{
				"target_language": "input.target_language",
				"scripts":         "steps.scripting.scripts",
			}},
		},
	}
}
