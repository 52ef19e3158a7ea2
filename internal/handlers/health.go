package handlers

import (
	"net/http"

	"github.com/gluk-w/termhub/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	gatewayStatus := "stopped"
	resp := map[string]interface{}{}
	if Gateway != nil {
		if st, err := Gateway.Stats(r.Context()); err == nil {
			gatewayStatus = "running"
			resp["connections"] = st.Connections
			resp["sessions"] = st.Sessions
			resp["processes"] = st.Processes
		}
	}

	status := "healthy"
	if dbStatus != "connected" || gatewayStatus != "running" {
		status = "unhealthy"
	}
	resp["status"] = status
	resp["database"] = dbStatus
	resp["gateway"] = gatewayStatus

	writeJSON(w, http.StatusOK, resp)
}
