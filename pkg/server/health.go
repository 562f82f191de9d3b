package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lfingest/pkg/log"
	"lfingest/pkg/models"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const loadAvgPath = "/proc/loadavg"

// healthz handles GET /healthz. Load averages are best effort; an unreadable
// storage directory makes the node unhealthy.
func (srv *IngestServer) healthz(ctx echo.Context) error {
	uptime := int64(time.Since(srv.started).Seconds())
	info := models.HealthInfo{
		Status:        "ok",
		Version:       srv.version,
		Uptime:        formatUptime(uptime),
		UptimeSeconds: uptime,
	}

	if load, err := getLoadAverages(loadAvgPath); err == nil {
		info.LoadAverages = *load
	}

	storage, err := getStorageInfo(srv.storageDir)
	if err != nil {
		log.Error().Err(err).Str("storage_dir", srv.storageDir).Msg("Failed to stat storage directory")
		info.Status = "unavailable"
		return ctx.JSON(http.StatusServiceUnavailable, info)
	}
	info.Storage = *storage

	return ctx.JSON(http.StatusOK, info)
}

// getLoadAverages reads load averages from a /proc/loadavg formatted file.
func getLoadAverages(path string) (*models.LoadAverages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	const minLoadFields = 3
	fields := strings.Fields(string(data))
	if len(fields) < minLoadFields {
		return nil, strconv.ErrSyntax
	}

	values := make([]float64, minLoadFields)
	for i := range values {
		values[i], err = strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
	}

	return &models.LoadAverages{
		Load1:  values[0],
		Load5:  values[1],
		Load15: values[2],
	}, nil
}

// getStorageInfo gets disk usage information for the specified directory.
func getStorageInfo(path string) (*models.StorageInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}

	blockSize := uint64(stat.Bsize) // #nosec G115 - syscall values are system dependent

	total := stat.Blocks * blockSize
	available := stat.Bavail * blockSize

	return &models.StorageInfo{
		Total:         total,
		Used:          total - available,
		Available:     available,
		AvailableText: humanize.IBytes(available),
	}, nil
}

// formatUptime converts seconds to human-readable format.
func formatUptime(seconds int64) string {
	duration := time.Duration(seconds) * time.Second
	const hoursInDay = 24
	const minutesInHour = 60
	days := int(duration.Hours()) / hoursInDay
	hours := int(duration.Hours()) % hoursInDay
	minutes := int(duration.Minutes()) % minutesInHour

	switch {
	case days > 0:
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	case hours > 0:
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	default:
		return strconv.Itoa(minutes) + "m"
	}
}
