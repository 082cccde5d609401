// Package api exposes the conversion service over HTTP with gin.
package api

import (
	"context"
	"time"

	"convertapi/admission"
	"convertapi/conversion"
	"convertapi/quota"
	"convertapi/ratelimit"
)

// Server holds the handler dependencies.
type Server struct {
	processor      *conversion.Processor
	queue          conversion.Queue
	ledger         *quota.Ledger
	settings       *ratelimit.SettingsService
	limiter        *ratelimit.Limiter
	chain          admission.Chain
	maxUploadBytes int64
	ready          func(ctx context.Context) error
	now            func() time.Time
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Processor *conversion.Processor
	// Queue enables POST /conversions/async when set.
	Queue    conversion.Queue
	Ledger   *quota.Ledger
	Settings *ratelimit.SettingsService
	Limiter  *ratelimit.Limiter
	// Chain guards every conversion. Defaults to validation only.
	Chain          admission.Chain
	MaxUploadBytes int64
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
	Now   func() time.Time
}

func NewServer(deps ServerDeps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Chain == nil {
		deps.Chain = admission.Chain{admission.Validate(deps.MaxUploadBytes)}
	}
	return &Server{
		processor:      deps.Processor,
		queue:          deps.Queue,
		ledger:         deps.Ledger,
		settings:       deps.Settings,
		limiter:        deps.Limiter,
		chain:          deps.Chain,
		maxUploadBytes: deps.MaxUploadBytes,
		ready:          deps.Ready,
		now:            deps.Now,
	}
}
