package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/infra-bed/fib-service/pkg/config"
	"github.com/infra-bed/fib-service/pkg/logger"
)

var configManager *config.ConfigManager

func SetConfigManager(cm *config.ConfigManager) {
	configManager = cm
}

func GetConfig(w http.ResponseWriter, r *http.Request) {
	if configManager == nil {
		writeError(w, http.StatusInternalServerError, "Configuration manager not initialized")
		return
	}

	writeJSON(w, http.StatusOK, configManager.Get())
}

type FeatureResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

func CheckFeature(w http.ResponseWriter, r *http.Request) {
	feature := mux.Vars(r)["feature"]

	if configManager == nil {
		writeError(w, http.StatusInternalServerError, "Configuration manager not initialized")
		return
	}

	flags := configManager.GetFeatures()

	var enabled bool
	switch feature {
	case "profiling":
		enabled = flags.EnableProfiling
	case "tracing":
		enabled = flags.EnableTracing
	case "metrics":
		enabled = flags.EnableMetrics
	case "debug":
		enabled = flags.EnableDebugLogging
	case "publishing":
		enabled = flags.EnablePublishing
	case "benchmark":
		enabled = flags.EnableBenchmark
	default:
		enabled = configManager.IsFeatureEnabled(feature)
	}

	logger.Ctx(r.Context()).Debug().
		Str("feature", feature).
		Bool("enabled", enabled).
		Msg("Feature flag checked")

	writeJSON(w, http.StatusOK, FeatureResponse{Feature: feature, Enabled: enabled})
}
