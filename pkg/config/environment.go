package config

// Platform endpoints per environment. The non-production environment
// is used by platform developers against the staging deployment.
const (
	productionAPIHost = "https://api.pennsieve.io"
	stagingAPIHost    = "https://api.pennsieve.net"

	productionStreamingHost = "wss://api.pennsieve.io/streaming/ts/query"
	stagingStreamingHost    = "wss://api.pennsieve.net/streaming/ts/query"
)

// APIHost returns the REST base URL for the profile's environment.
func (p *Profile) APIHost() string {
	if p.IsDevelopment() {
		return stagingAPIHost
	}
	return productionAPIHost
}

// StreamingHost returns the timeseries streaming WebSocket URL for the
// profile's environment.
func (p *Profile) StreamingHost() string {
	if p.IsDevelopment() {
		return stagingStreamingHost
	}
	return productionStreamingHost
}

// IsDevelopment reports whether the profile targets the staging
// deployment. Anything other than an explicit development marker means
// production.
func (p *Profile) IsDevelopment() bool {
	switch p.Environment {
	case "development", "dev", "non-production":
		return true
	}
	return false
}
