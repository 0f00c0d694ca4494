package domain

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls" toml:"urls"`
	Username   string   `json:"username,omitempty" toml:"username"`
	Credential string   `json:"credential,omitempty" toml:"credential"`
}
