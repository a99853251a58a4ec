// Package health serves the liveness probe.
package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler reports that the process is up
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Register mounts the probe on a gin router
func Register(r gin.IRoutes) {
	r.GET("/health", gin.WrapF(Handler))
}
