package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParams_AppendArgs(t *testing.T) {
	var p Params
	p.AppendArgs(MergerKey, "-b:v", "128k")
	p.AppendArgs(MergerKey, "-movflags", "+faststart")

	assert.Equal(t, []string{"-b:v", "128k", "-movflags", "+faststart"}, p.Args(MergerKey))

	got := p.Args(MergerKey)
	got[0] = "changed"
	assert.Equal(t, "-b:v", p.PostprocessorArgs[MergerKey][0])
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, "bestvideo+bestaudio[ext=m4a]/best", o.Format)
	assert.True(t, o.NoCheckCertificate)
	assert.True(t, o.Verbose)
}

func TestRunStage(t *testing.T) {
	var order []string
	mk := func(name string) PostProcessor {
		return PostProcessorFunc(func(params *Params, info InfoRecord) ([]string, InfoRecord, error) {
			order = append(order, name)
			out := info.Clone()
			out[name] = json.RawMessage(`true`)
			return []string{name + ".tmp"}, out, nil
		})
	}

	regs := []Registration{
		{PostProcessor: mk("a"), When: StageBeforeDownload},
		{PostProcessor: mk("skipped"), When: Stage("post_process")},
		{PostProcessor: mk("b"), When: StageBeforeDownload},
	}

	files, info, err := RunStage(StageBeforeDownload, regs, NewParams(), InfoRecord{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"a.tmp", "b.tmp"}, files)
	assert.Contains(t, info, "a")
	assert.Contains(t, info, "b")
	assert.NotContains(t, info, "skipped")
}

func TestRunStage_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	called := false
	regs := []Registration{
		{PostProcessor: PostProcessorFunc(func(*Params, InfoRecord) ([]string, InfoRecord, error) {
			return nil, nil, boom
		}), When: StageBeforeDownload},
		{PostProcessor: PostProcessorFunc(func(*Params, InfoRecord) ([]string, InfoRecord, error) {
			called = true
			return nil, nil, nil
		}), When: StageBeforeDownload},
	}

	_, _, err := RunStage(StageBeforeDownload, regs, NewParams(), InfoRecord{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestRunStage_LeavesCallerRecord(t *testing.T) {
	regs := []Registration{
		{PostProcessor: PostProcessorFunc(func(_ *Params, info InfoRecord) ([]string, InfoRecord, error) {
			info["title"] = json.RawMessage(`"changed"`)
			return nil, info, nil
		}), When: StageBeforeDownload},
	}

	rec := InfoRecord{"title": json.RawMessage(`"clip"`)}
	_, out, err := RunStage(StageBeforeDownload, regs, NewParams(), rec)
	assert.NoError(t, err)
	assert.JSONEq(t, `"clip"`, string(rec["title"]))
	assert.JSONEq(t, `"changed"`, string(out["title"]))
}
