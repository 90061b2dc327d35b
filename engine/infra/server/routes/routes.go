package routes

import "fmt"

// APIVersion is the version segment of every API path.
const APIVersion = "v0"

// Version returns the current API version string used in routing (e.g., "v0").
func Version() string {
	return APIVersion
}

// Base returns the versioned API base path (e.g., "/api/v0").
func Base() string {
	return fmt.Sprintf("/api/%s", Version())
}

func buildResourceRoute(resource string) string {
	return Base() + "/" + resource
}

// Jobs is where container agents call back (e.g., "/api/v0/jobs").
func Jobs() string   { return buildResourceRoute("jobs") }
func Tasks() string  { return buildResourceRoute("tasks") }
func Events() string { return buildResourceRoute("events") }
func Apps() string   { return buildResourceRoute("apps") }

// HealthVersioned returns the versioned health path (e.g., "/api/v0/health").
func HealthVersioned() string {
	return Base() + "/health"
}
