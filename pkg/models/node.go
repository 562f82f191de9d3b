package models

// HealthInfo is the liveness report of an ingest node.
type HealthInfo struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	LoadAverages  LoadAverages `json:"load_averages"`
	Storage       StorageInfo  `json:"storage"`
}

// LoadAverages represents system load information.
type LoadAverages struct {
	Load1  float64 `json:"load_1"`
	Load5  float64 `json:"load_5"`
	Load15 float64 `json:"load_15"`
}

// StorageInfo represents disk usage of the upload directory.
type StorageInfo struct {
	Total         uint64 `json:"total"`
	Used          uint64 `json:"used"`
	Available     uint64 `json:"available"`
	AvailableText string `json:"available_text"`
}
