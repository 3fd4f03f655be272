package payload

import "sync"

// Registry keys one Validator per logical service name, so the relay can
// track response-shape drift independently for piper_tts, whisper_asr, and
// ollama_farm without their baselines interfering with one another.
type Registry struct {
	mu         sync.Mutex
	validators map[string]*Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]*Validator)}
}

// Observe feeds one JSON response body through the named service's
// Validator and returns its mismatches formatted as strings, ready for a
// single log line each. The first observation for a service only learns the
// baseline and never reports mismatches.
func (r *Registry) Observe(service string, data []byte) []string {
	v := r.validatorFor(service)
	mismatches, err := v.Validate(data)
	if err != nil {
		return nil
	}
	out := make([]string, len(mismatches))
	for i, m := range mismatches {
		out[i] = m.String()
	}
	return out
}

func (r *Registry) validatorFor(service string) *Validator {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[service]
	if !ok {
		v = NewValidator()
		r.validators[service] = v
	}
	return v
}
