package client

import "github.com/loykin/stepsync/internal/steps"

// InsertRequest is the body of POST /steps.
type InsertRequest struct {
	StepsCount int `json:"steps_count"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Stats       *steps.Stats `json:"stats"`
	Bars        []steps.Bar  `json:"bars"`
	Recommended int          `json:"recommended"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
