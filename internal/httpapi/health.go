package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusUp       = "up"
	statusDown     = "down"
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	checkTimeout   = 3 * time.Second
)

type serviceStatus struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Services  map[string]serviceStatus `json:"services"`
	Timestamp string                   `json:"timestamp"`
}

// handleHealth checks every backing service concurrently and always answers 200.
func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	checks := map[string]Pinger{
		"db":    handler.database,
		"cache": handler.cache,
		"blob":  handler.blobs,
	}
	var (
		mutex    sync.Mutex
		waiter   sync.WaitGroup
		services = make(map[string]serviceStatus, len(checks))
	)
	for name, check := range checks {
		waiter.Add(1)
		go func(name string, check Pinger) {
			defer waiter.Done()
			result := handler.checkService(ctx.Request.Context(), name, check)
			mutex.Lock()
			services[name] = result
			mutex.Unlock()
		}(name, check)
	}
	waiter.Wait()

	overall := statusHealthy
	for _, service := range services {
		if service.Status != statusUp {
			overall = statusDegraded
		}
	}
	ctx.JSON(http.StatusOK, healthResponse{
		Status:    overall,
		Services:  services,
		Timestamp: handler.nowFn().UTC().Format(time.RFC3339Nano),
	})
}

func (handler *httpHandler) checkService(ctx context.Context, name string, service Pinger) serviceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	startedAt := time.Now()
	err := service.Ping(checkCtx)
	elapsed := time.Since(startedAt).Milliseconds()
	if err != nil {
		handler.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
		return serviceStatus{Status: statusDown, ResponseTimeMs: elapsed}
	}
	return serviceStatus{Status: statusUp, ResponseTimeMs: elapsed}
}
