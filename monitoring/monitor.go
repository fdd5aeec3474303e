package monitoring

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type ResourceUsage struct {
	CPUPercent    float64
	MemoryUsedMB  float64
	MemoryTotalMB float64
	MemoryPercent float64
	NumGoroutines int
}

// EncoderPIDFunc returns the PID of the supervised encoder process, or 0
// when no encoder is running.
type EncoderPIDFunc func() int

// StartMonitoring logs daemon and encoder resource usage on the given
// interval until ctx is cancelled.
func StartMonitoring(ctx context.Context, interval time.Duration, encoderPID EncoderPIDFunc) {
	go func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			log.Printf("Error getting process: %v", err)
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				usage, err := getResourceUsage(proc)
				if err != nil {
					log.Printf("Error getting resource usage: %v", err)
					continue
				}

				line := fmt.Sprintf("Resource Usage - CPU: %.2f%%, Memory: %.2f/%.2f MB (%.2f%%), Goroutines: %d",
					usage.CPUPercent,
					usage.MemoryUsedMB,
					usage.MemoryTotalMB,
					usage.MemoryPercent,
					usage.NumGoroutines)

				if encoderPID != nil {
					if pid := encoderPID(); pid > 0 {
						if encUsage, err := getEncoderUsage(pid); err == nil {
							line += fmt.Sprintf(", Encoder[%d]: CPU %.2f%%, Memory %.2f MB",
								pid, encUsage.CPUPercent, encUsage.MemoryUsedMB)
						}
					}
				}

				log.Println(line)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func getResourceUsage(proc *process.Process) (ResourceUsage, error) {
	var usage ResourceUsage

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %v", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %v", err)
	}

	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %v", err)
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	usage.NumGoroutines = runtime.NumGoroutine()

	return usage, nil
}

// getEncoderUsage samples the external ffmpeg process. The PID can go stale
// between the caller reading it and the sample; errors are expected and the
// caller just skips the encoder column.
func getEncoderUsage(pid int) (ResourceUsage, error) {
	var usage ResourceUsage

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return usage, err
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, err
	}
	usage.CPUPercent = cpuPercent

	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, err
	}
	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024

	return usage, nil
}
