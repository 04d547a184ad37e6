package apiserver

import "time"

// API surface constants
const (
	APIVersion = "v1"
	APIPrefix  = "/api/" + APIVersion
)

// Server timing constants
const (
	// RequestTimeout caps end-to-end handler time via chi middleware
	RequestTimeout = 60 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout = 15 * time.Second

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the maximum time to wait for the next request
	IdleTimeout = 60 * time.Second

	// HealthCheckTimeout bounds a single component probe so a hung store
	// cannot hang the health endpoint
	HealthCheckTimeout = 5 * time.Second

	// ShutdownTimeout is how long a graceful stop may take, worker pool
	// drain included
	ShutdownTimeout = 10 * time.Second
)
