package server

import (
	"net/http"
	"os"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

type cpuStatus struct {
	Percent float64 `json:"percent"`
}

type memoryStatus struct {
	Percent float64 `json:"percent"`
	RSS     uint64  `json:"rss"`
}

type processStatus struct {
	CPU     cpuStatus    `json:"cpu"`
	Memory  memoryStatus `json:"memory"`
	Threads int32        `json:"threads"`
}

type loadStatus struct {
	T1  float64 `json:"t1"`
	T5  float64 `json:"t5"`
	T15 float64 `json:"t15"`
}

type systemStatus struct {
	Load loadStatus `json:"load"`
}

type statusSnapshot struct {
	Process  processStatus `json:"process"`
	System   systemStatus  `json:"system"`
	Families []string      `json:"families"`
}

// handleStatus reports a process/system load snapshot plus the family list.
// Individual probe failures degrade to zero values rather than failing the
// request.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var snapshot statusSnapshot

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if percent, err := proc.CPUPercent(); err == nil {
			snapshot.Process.CPU.Percent = percent / 100.0
		}
		if percent, err := proc.MemoryPercent(); err == nil {
			snapshot.Process.Memory.Percent = float64(percent)
		}
		if info, err := proc.MemoryInfo(); err == nil {
			snapshot.Process.Memory.RSS = info.RSS
		}
		if threads, err := proc.NumThreads(); err == nil {
			snapshot.Process.Threads = threads
		}
	}
	if avg, err := load.Avg(); err == nil {
		snapshot.System.Load = loadStatus{T1: avg.Load1, T5: avg.Load5, T15: avg.Load15}
	}

	families, err := s.listFamilies(r)
	if err != nil {
		s.respondError(w, "status", err)
		return
	}
	snapshot.Families = families

	writeJSON(w, http.StatusOK, snapshot)
}
