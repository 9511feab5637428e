package domain

// InferenceSettings captures the model parameters a task was submitted with.
// The zero value means "let the runner decide".
type InferenceSettings struct {
	ProviderID  string  `json:"provider_id,omitempty"`
	ModelID     string  `json:"model_id,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Reasoning   bool    `json:"reasoning,omitempty"`
}

// IsZero reports whether no parameter has been set.
func (s InferenceSettings) IsZero() bool {
	return s == InferenceSettings{}
}

// SettingsPatch is a partial override of an entity's inference settings.
// Empty string fields keep the previous choice; the pointer fields override
// whenever present, an explicit zero included.
type SettingsPatch struct {
	ProviderID  string   `json:"provider_id,omitempty"`
	ModelID     string   `json:"model_id,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Reasoning   *bool    `json:"reasoning,omitempty"`
}

// Apply folds the patch into s.
func (p SettingsPatch) Apply(s *InferenceSettings) {
	if p.ProviderID != "" {
		s.ProviderID = p.ProviderID
	}
	if p.ModelID != "" {
		s.ModelID = p.ModelID
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.Reasoning != nil {
		s.Reasoning = *p.Reasoning
	}
}
