package dto

// Credentials carries only the password; there is a single admin account.
type Credentials struct {
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type AddressRequest struct {
	Address string `json:"address"`
}

type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}
