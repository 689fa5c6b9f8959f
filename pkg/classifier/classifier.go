// Package classifier implements the Process Classifier (spec §4.B): a
// pure decision function over (name, cmdline, exe_path, gpu_util) with
// an external OS-process lookup dependency.
package classifier

import (
	"context"
	"regexp"
	"strings"
	"sync"

	gopsutilproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/model"
)

var mlTrainingKeywords = []string{"tensorflow", "torch", "jax", "mxnet"}

var mlKeywords = []string{
	"transformers", "torch", "tensorflow", "keras", "pytorch", "jax",
	"flax", "diffusers", "vllm", "llama", "huggingface", "model.py", "train.py",
}

var inferenceVerbs = []string{"generate", "inference", "predict", "serve", "api"}

var gameExePatterns = mustCompileAll([]string{
	`.*\.exe$`,
	`.*-dx12\.exe$`,
	`.*-vulkan\.exe$`,
	`.*game.*\.exe$`,
	`.*(unity|unreal).*\.exe$`,
})

func mustCompileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}

// steamLibraryRoots returns the Steam library roots checked by the
// game heuristic: the native and flatpak Linux locations under homeDir,
// on every platform. Windows Steam install locations are not included.
func steamLibraryRoots(homeDir string) []string {
	return []string{
		homeDir + "/.steam/steam/steamapps/common",
		homeDir + "/.var/app/com.valvesoftware.Steam/.steam/steam/steamapps/common",
	}
}

// Input is the classifier's pure decision input.
type Input struct {
	Name        string
	Cmdline     string
	ExePath     string
	GpuUtilPct  uint32
}

// Classify applies spec §4.B's first-match-wins decision ordering.
func Classify(in Input, steamRoots []string) model.Category {
	nameLower := strings.ToLower(in.Name)
	cmdlineLower := strings.ToLower(in.Cmdline)

	// 1. Ollama.
	if strings.Contains(nameLower, "ollama") {
		return model.CategoryLLMInference
	}

	// 2. Generic ML-training frameworks in the command line.
	if containsAny(cmdlineLower, mlTrainingKeywords) {
		return model.CategoryMLTraining
	}

	// 3. Python process with an ML keyword -> sub-decide inference vs training.
	if strings.Contains(nameLower, "python") && containsAny(cmdlineLower, mlKeywords) {
		if containsAny(cmdlineLower, inferenceVerbs) {
			return model.CategoryLLMInference
		}
		return model.CategoryMLTraining
	}

	// 4. Game heuristic.
	if isGame(in, steamRoots) {
		return model.CategoryGaming
	}

	// 5. Default.
	return model.CategoryGeneralCompute
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func isGame(in Input, steamRoots []string) bool {
	if in.ExePath != "" {
		for _, root := range steamRoots {
			if strings.HasPrefix(in.ExePath, root) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(in.ExePath), "game") {
			return true
		}
	}

	if in.GpuUtilPct > 60 {
		for _, re := range gameExePatterns {
			if re.MatchString(in.Name) {
				return true
			}
		}
	}
	return false
}

// pidGpuUsage pairs a PID's GPU memory usage with the device-level
// utilization observed at the time of classification.
type pidGpuUsage struct {
	usedMemBytes uint64
	gpuUtilPct   uint32
}

// Classifier holds the external OS-process lookup dependency. It keeps
// no cache between calls; mu serializes ClassifySamples calls (spec
// §5).
type Classifier struct {
	mu         sync.Mutex
	logger     *zap.SugaredLogger
	steamRoots []string
	lookupProc func(pid int32) (name, cmdline, exe string, err error)
}

// New builds a Classifier. homeDir is used to derive Steam library
// roots for the game heuristic.
func New(logger *zap.SugaredLogger, homeDir string) *Classifier {
	return &Classifier{
		logger:     logger,
		steamRoots: steamLibraryRoots(homeDir),
		lookupProc: lookupOSProcess,
	}
}

func lookupOSProcess(pid int32) (name, cmdline, exe string, err error) {
	p, err := gopsutilproc.NewProcess(pid)
	if err != nil {
		return "", "", "", err
	}
	name, _ = p.Name()
	cmdline, _ = p.Cmdline()
	exe, _ = p.Exe()
	return name, cmdline, exe, nil
}

// ClassifySamples builds a PID -> (used_mem, device_util) map from the
// samples, looks up OS metadata for each PID, and emits one
// ClassifiedProcess per PID still present in the OS process table.
func (c *Classifier) ClassifySamples(ctx context.Context, samples []model.GpuSample) []model.ClassifiedProcess {
	c.mu.Lock()
	defer c.mu.Unlock()

	byPID := make(map[uint32]pidGpuUsage)
	for _, s := range samples {
		for _, p := range s.Processes {
			byPID[p.PID] = pidGpuUsage{usedMemBytes: p.UsedMemBytes, gpuUtilPct: s.UtilGPUPct}
		}
	}

	out := make([]model.ClassifiedProcess, 0, len(byPID))
	for pid, usage := range byPID {
		name, cmdline, exe, err := c.lookupProc(int32(pid))
		if err != nil {
			c.logger.Debugw("process lookup failed, dropping pid", "pid", pid, "error", err)
			continue
		}

		category := Classify(Input{
			Name:       name,
			Cmdline:    cmdline,
			ExePath:    exe,
			GpuUtilPct: usage.gpuUtilPct,
		}, c.steamRoots)

		out = append(out, model.ClassifiedProcess{
			PID:        pid,
			Name:       name,
			Category:   category,
			GpuMemMB:   usage.usedMemBytes / (1024 * 1024),
			GpuUtilPct: usage.gpuUtilPct,
			Cmdline:    cmdline,
			ExePath:    exe,
		})
	}
	return out
}
