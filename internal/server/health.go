package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemStatus represents the health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusCritical SystemStatus = "critical"
)

const healthCheckTimeout = 3 * time.Second

// ComponentHealth is the result of one dependency check.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus      `json:"system_status"`
	Components   []ComponentHealth `json:"components"`
}

func (s *Server) checkHealth(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	report := HealthReport{SystemStatus: StatusHealthy, Components: []ComponentHealth{}}
	for name, check := range s.checks {
		ch := ComponentHealth{Name: name, Status: StatusHealthy}
		if err := check.Health(ctx); err != nil {
			ch.Status = StatusCritical
			ch.Error = err.Error()
			// Aggregate status (worst case wins)
			report.SystemStatus = StatusCritical
		}
		report.Components = append(report.Components, ch)
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.checkHealth(c.Request.Context())
	status := http.StatusOK
	if report.SystemStatus == StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": report.SystemStatus})
}

func (s *Server) handleDetailed(c *gin.Context) {
	c.JSON(http.StatusOK, s.checkHealth(c.Request.Context()))
}
