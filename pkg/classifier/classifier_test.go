package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/model"
)

func noopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestClassify_S2_Ollama(t *testing.T) {
	cat := Classify(Input{Name: "ollama", Cmdline: "/usr/bin/ollama serve", GpuUtilPct: 50}, nil)
	assert.Equal(t, model.CategoryLLMInference, cat)
}

func TestClassify_S3_PythonTraining(t *testing.T) {
	cat := Classify(Input{
		Name:       "python3",
		Cmdline:    "python3 train.py --model transformer --epochs 10",
		GpuUtilPct: 80,
	}, nil)
	assert.Equal(t, model.CategoryMLTraining, cat)
}

func TestClassify_S4_PythonInference(t *testing.T) {
	cat := Classify(Input{
		Name:       "python3",
		Cmdline:    "python3 inference.py --model llama --generate",
		GpuUtilPct: 60,
	}, nil)
	assert.Equal(t, model.CategoryLLMInference, cat)
}

func TestClassify_GenericMLTrainingKeyword(t *testing.T) {
	cat := Classify(Input{Name: "worker", Cmdline: "run torch distributed job", GpuUtilPct: 10}, nil)
	assert.Equal(t, model.CategoryMLTraining, cat)
}

func TestClassify_GameHeuristic_SteamRoot(t *testing.T) {
	roots := []string{"/home/user/.steam/steam/steamapps/common"}
	cat := Classify(Input{
		Name:    "game.exe",
		ExePath: "/home/user/.steam/steam/steamapps/common/SomeGame/game.exe",
	}, roots)
	assert.Equal(t, model.CategoryGaming, cat)
}

func TestClassify_GameHeuristic_ExePatternWithHighUtil(t *testing.T) {
	cat := Classify(Input{Name: "MyUnrealGame-vulkan.exe", GpuUtilPct: 75}, nil)
	assert.Equal(t, model.CategoryGaming, cat)
}

func TestClassify_GameHeuristic_ExePatternLowUtilNotGame(t *testing.T) {
	cat := Classify(Input{Name: "MyUnrealGame-vulkan.exe", GpuUtilPct: 10}, nil)
	assert.NotEqual(t, model.CategoryGaming, cat)
}

func TestClassify_DefaultGeneralCompute(t *testing.T) {
	cat := Classify(Input{Name: "some-daemon", Cmdline: "some-daemon --flag", GpuUtilPct: 5}, nil)
	assert.Equal(t, model.CategoryGeneralCompute, cat)
}

func TestClassify_Deterministic(t *testing.T) {
	in := Input{Name: "python3", Cmdline: "python3 inference.py --serve", GpuUtilPct: 42}
	first := Classify(in, nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(in, nil))
	}
}

func TestClassifySamples_DropsMissingPIDsAndFillsDeviceUtil(t *testing.T) {
	c := New(nil, "/home/user")
	c.logger = noopLogger()
	c.lookupProc = func(pid int32) (string, string, string, error) {
		if pid == 100 {
			return "ollama", "/usr/bin/ollama serve", "", nil
		}
		return "", "", "", assertError{}
	}

	samples := []model.GpuSample{
		{
			GpuID:      0,
			UtilGPUPct: 77,
			Processes: []model.GpuProcess{
				{PID: 100, UsedMemBytes: 1024 * 1024 * 50},
				{PID: 200, UsedMemBytes: 1024},
			},
		},
	}

	out := c.ClassifySamples(context.Background(), samples)
	assert := assert.New(t)
	assert.Len(out, 1, "pid 200 has no OS metadata and must be dropped")
	assert.Equal(uint32(100), out[0].PID)
	assert.Equal(model.CategoryLLMInference, out[0].Category)
	assert.EqualValues(77, out[0].GpuUtilPct)
	assert.EqualValues(50, out[0].GpuMemMB)
}

type assertError struct{}

func (assertError) Error() string { return "process not found" }
