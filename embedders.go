package zadacha

import "encoding/json"

// EmbedderConfig is the per-index embedder description accepted through a
// settings update. The scheduler only gates and republishes it; running
// the embedders belongs to the search side.
type EmbedderConfig struct {
	Source           string `json:"source"`
	Model            string `json:"model,omitempty"`
	Dimensions       int    `json:"dimensions,omitempty"`
	DocumentTemplate string `json:"documentTemplate,omitempty"`
}

// setEmbedders refreshes the registry from freshly accepted settings.
// Settings without an embedders key leave the registry untouched.
func (s *Scheduler) setEmbedders(index string, settings json.RawMessage) {
	if len(settings) == 0 {
		return
	}
	var probe struct {
		Embedders map[string]EmbedderConfig `json:"embedders"`
	}
	if err := json.Unmarshal(settings, &probe); err != nil {
		return
	}
	if probe.Embedders == nil {
		return
	}
	s.embedders.Store(index, probe.Embedders)
}

// Embedders returns a copy of the index's embedder configs.
func (s *Scheduler) Embedders(index string) map[string]EmbedderConfig {
	configs, ok := s.embedders.Load(index)
	if !ok {
		return nil
	}
	out := make(map[string]EmbedderConfig, len(configs))
	for name, config := range configs {
		out[name] = config
	}
	return out
}
