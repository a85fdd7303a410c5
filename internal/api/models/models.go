// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/quality"
	"github.com/smazurov/hwencode/internal/reconfig"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.2.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"a1b2c3d" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2026-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go toolchain version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Pipeline models
type LedgerData struct {
	Recorded uint64 `json:"recorded" example:"1200" doc:"Frames recorded at submission"`
	Matched  uint64 `json:"matched" example:"1198" doc:"Completions matched to a recorded frame"`
	Misses   uint64 `json:"misses" example:"0" doc:"Completions with no recorded frame"`
	Evicted  uint64 `json:"evicted" example:"0" doc:"Entries evicted at capacity"`
}

type PipelineData struct {
	StreamID  string            `json:"stream_id" example:"cam0" doc:"Pipeline identifier"`
	State     string            `json:"state" enum:"uninitialized,ready,encoding,released" doc:"Lifecycle state"`
	Pending   int               `json:"pending" example:"2" doc:"Frames submitted but not completed"`
	Submitted uint64            `json:"submitted" example:"1200" doc:"Frames submitted since init"`
	Completed uint64            `json:"completed" example:"1198" doc:"Frames completed since init"`
	Geometry  reconfig.Geometry `json:"geometry" doc:"Negotiated size and rates"`
	Quality   quality.State     `json:"quality" doc:"Quality controller state"`
	Ledger    LedgerData        `json:"ledger" doc:"Frame attribute ledger counters"`
}

type PipelineResponse struct {
	Body PipelineData
}

type RatesRequestData struct {
	BitrateKbps int `json:"bitrate_kbps" minimum:"1" example:"1500" doc:"Target bitrate in kbit/s"`
	Framerate   int `json:"framerate" minimum:"0" example:"30" doc:"Target framerate, 0 keeps the current rates"`
}

type RatesRequest struct {
	Body RatesRequestData
}

type KeyFrameData struct {
	Status  string `json:"status" example:"requested" doc:"Request status"`
	Message string `json:"message" example:"Next frame will be an IDR" doc:"Status message"`
}

type KeyFrameResponse struct {
	Body KeyFrameData
}

// Log models
type LogsRequest struct {
	Limit int `query:"limit" minimum:"0" default:"100" doc:"Number of most recent entries, 0 for all"`
}

type LogsData struct {
	Entries []logging.Entry `json:"entries" doc:"Log entries, oldest first"`
	Count   int             `json:"count" example:"100" doc:"Number of entries returned"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelRequestData struct {
	Module string `json:"module" example:"pipeline" doc:"Logger module name"`
	Level  string `json:"level" enum:"debug,info,warn,error" example:"debug" doc:"New level"`
}

type LogLevelRequest struct {
	Body LogLevelRequestData
}

type LogLevelResponse struct {
	Body LogLevelRequestData
}
