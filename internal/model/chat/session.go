package chat

// TurnConfig carries the caller-supplied credentials and texts that condition
// retrieval and generation. It may change between turns; cached resources
// keyed to a previous value must be rebuilt when it does.
type TurnConfig struct {
	APIKey  string `json:"apiKey"`
	Profile string `json:"profile"`
	Persona string `json:"persona"`
}
