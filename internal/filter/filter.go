package filter

// Profile is a fully compiled filter profile. All groups are additive;
// applying a profile is a pure function of (body, profile) and idempotent.
type Profile struct {
	ID            string
	Name          string
	SystemFilters []Pattern
	// ToolFilters holds tool names dropped from the request's tools array.
	ToolFilters map[string]bool
	// KeepToolPairs retains tool_use/tool_result blocks in messages when true.
	// When false both block kinds are stripped and emptied messages dropped.
	KeepToolPairs bool
}

// NewProfile compiles raw profile rows into an applicable Profile.
func NewProfile(id, name string, systemPatterns, toolNames []string, keepToolPairs bool) *Profile {
	tools := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		tools[n] = true
	}
	return &Profile{
		ID:            id,
		Name:          name,
		SystemFilters: CompilePatterns(systemPatterns),
		ToolFilters:   tools,
		KeepToolPairs: keepToolPairs,
	}
}

// Empty reports whether the profile rewrites nothing.
func (p *Profile) Empty() bool {
	return len(p.SystemFilters) == 0 && len(p.ToolFilters) == 0 && p.KeepToolPairs
}

// Apply rewrites body in place according to the profile and returns the
// sources of system patterns that matched, for diagnostics. Non-object
// bodies pass through unchanged. Survivor ordering is preserved and unknown
// top-level fields are never touched.
func (p *Profile) Apply(body map[string]any) []string {
	if body == nil {
		return nil
	}
	matched := p.applySystemFilters(body)
	p.applyToolFilters(body)
	if !p.KeepToolPairs {
		stripToolPairs(body)
	}
	return matched
}

// blockText extracts the matchable text of a system block: strings match as
// themselves, objects match on their "text" field.
func blockText(block any) string {
	switch b := block.(type) {
	case string:
		return b
	case map[string]any:
		if t, ok := b["text"].(string); ok {
			return t
		}
	}
	return ""
}

func (p *Profile) applySystemFilters(body map[string]any) []string {
	if len(p.SystemFilters) == 0 {
		return nil
	}
	var matched []string
	firstMatch := func(text string) (string, bool) {
		for _, pat := range p.SystemFilters {
			if pat.Matches(text) {
				return pat.Source, true
			}
		}
		return "", false
	}

	switch system := body["system"].(type) {
	case string:
		if src, ok := firstMatch(system); ok {
			matched = append(matched, src)
			delete(body, "system")
		}
	case []any:
		kept := make([]any, 0, len(system))
		for _, block := range system {
			if src, ok := firstMatch(blockText(block)); ok {
				matched = append(matched, src)
				continue
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			delete(body, "system")
		} else {
			body["system"] = kept
		}
	}
	return matched
}

func (p *Profile) applyToolFilters(body map[string]any) {
	if len(p.ToolFilters) == 0 {
		return
	}
	tools, ok := body["tools"].([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(tools))
	for _, tool := range tools {
		obj, ok := tool.(map[string]any)
		if ok {
			if name, _ := obj["name"].(string); p.ToolFilters[name] {
				continue
			}
		}
		kept = append(kept, tool)
	}
	if len(kept) == 0 {
		delete(body, "tools")
	} else {
		body["tools"] = kept
	}
}

// stripToolPairs removes tool_use and tool_result blocks from every message
// whose content is an array, dropping messages emptied by the removal.
func stripToolPairs(body map[string]any) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	keptMessages := make([]any, 0, len(messages))
	for _, msg := range messages {
		obj, ok := msg.(map[string]any)
		if !ok {
			keptMessages = append(keptMessages, msg)
			continue
		}
		content, ok := obj["content"].([]any)
		if !ok {
			keptMessages = append(keptMessages, msg)
			continue
		}
		keptBlocks := make([]any, 0, len(content))
		for _, block := range content {
			if b, ok := block.(map[string]any); ok {
				if t, _ := b["type"].(string); t == "tool_use" || t == "tool_result" {
					continue
				}
			}
			keptBlocks = append(keptBlocks, block)
		}
		if len(keptBlocks) == 0 {
			continue
		}
		obj["content"] = keptBlocks
		keptMessages = append(keptMessages, obj)
	}
	body["messages"] = keptMessages
}
