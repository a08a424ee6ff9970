package synckit

import "time"

// ServerConfig configures signing, token lifetimes, and the realtime surface.
type ServerConfig struct {
	JWTSigningKey     []byte
	JWTIssuer         string
	GoogleWebClientID string
	AccessTTL         time.Duration
	RefreshValidFor   time.Duration
	NonceTTL          time.Duration
	SendQueueSize     int
	AllowedOrigins    []string
	EnableCORS        bool
	AllowInsecureHTTP bool
}
