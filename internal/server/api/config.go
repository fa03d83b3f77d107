package api

// ServerConfig represents the management API configuration.
type ServerConfig struct {
	Addr        string `help:"Management API listen address; empty disables the API" default:"localhost:3243" env:"USBTUNNEL_API_ADDR"`
	Password    string `help:"Password for encrypted API sessions; empty accepts plain requests only" env:"USBTUNNEL_API_PASSWORD"`
	RequireAuth bool   `help:"Reject requests that do not perform the authentication handshake" default:"false" env:"USBTUNNEL_API_REQUIRE_AUTH"`
}
