package server

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"lecture-attendance-go/internal/sse"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

// HandleEvents serves the SSE stream. Each connected client gets its own
// buffered channel on the hub; events are written as `data:` frames and a
// periodic comment keeps idle connections alive through proxies.
func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := make(sse.Client, 16)
	h.Hub.Register(client)
	defer h.Hub.Unregister(client)

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-client:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

type systemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedMB     uint64  `json:"mem_used_mb"`
	MemTotalMB    uint64  `json:"mem_total_mb"`
	MemPercent    float64 `json:"mem_percent"`
	GoRoutines    int     `json:"goroutines"`
	HeapAllocMB   uint64  `json:"heap_alloc_mb"`
	SessionActive bool    `json:"session_active"`
}

func (h *APIHandler) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := systemStats{
		GoRoutines:    runtime.NumGoroutine(),
		SessionActive: h.Controller.Status().Running,
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.HeapAllocMB = ms.HeapAlloc / 1024 / 1024

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	} else if err != nil {
		log.Debugf("CPU stats unavailable: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemUsedMB = vm.Used / 1024 / 1024
		stats.MemTotalMB = vm.Total / 1024 / 1024
		stats.MemPercent = vm.UsedPercent
	} else {
		log.Debugf("Memory stats unavailable: %v", err)
	}

	respondWithJSON(w, http.StatusOK, stats)
}
