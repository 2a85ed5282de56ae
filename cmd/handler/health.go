package handler

import (
	"net/http"
)

const ServiceName = "fib-service"

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: ServiceName})
}
