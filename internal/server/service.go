package server

import (
	"github.com/matt-riley/flagz-proxy/internal/core"
	"github.com/matt-riley/flagz-proxy/internal/service"
)

// Service is the evaluation surface the HTTP handlers depend on.
type Service interface {
	IsReady() bool
	GetEnabledToggles(c core.Context) ([]core.ToggleStatus, error)
	GetAllToggles(c core.Context) ([]core.ToggleStatus, error)
	GetDefinedToggles(names []string, c core.Context) ([]core.ToggleStatus, error)
	GetFeatureDefinitions() core.Features
	RegisterMetrics(bucket service.MetricsBucket)
}

var _ Service = (*service.Service)(nil)
