package ytdlp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veranemoloko/stream-assembler/internal/engine"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptLine struct {
	stream OutputStream
	text   string
}

// scriptedRunner replays canned output instead of starting a process.
type scriptedRunner struct {
	stdout string
	lines  []scriptLine
	err    error
	calls  []Command
	onRun  func(cmd Command)
}

func (r *scriptedRunner) Run(ctx context.Context, cmd Command) error {
	r.calls = append(r.calls, cmd)
	if r.onRun != nil {
		r.onRun(cmd)
	}
	if cmd.Stdout != nil {
		io.WriteString(cmd.Stdout, r.stdout)
	}
	for _, l := range r.lines {
		if cmd.OnLine == nil {
			continue
		}
		if err := cmd.OnLine(l.stream, l.text); err != nil {
			return err
		}
	}
	return r.err
}

type recordingLogger struct {
	entries []string
	failOn  string
}

func (l *recordingLogger) add(level, msg string) error {
	l.entries = append(l.entries, level+" "+msg)
	if l.failOn != "" && strings.Contains(msg, l.failOn) {
		return errpkg.ErrCanceled
	}
	return nil
}

func (l *recordingLogger) Debug(msg string) error   { return l.add("debug", msg) }
func (l *recordingLogger) Info(msg string) error    { return l.add("info", msg) }
func (l *recordingLogger) Warning(msg string) error { return l.add("warning", msg) }
func (l *recordingLogger) Error(msg string) error   { return l.add("error", msg) }

func TestBuildExtractArgs(t *testing.T) {
	opts := engine.DefaultOptions()
	opts.Extra = []string{"--cookies", "c.txt"}

	got := strings.Join(BuildExtractArgs("https://example.com/watch?v=1", opts), " ")
	assert.Equal(t, "-J --no-playlist -f bestvideo+bestaudio[ext=m4a]/best --no-check-certificates --verbose --cookies c.txt -- https://example.com/watch?v=1", got)
}

func TestBuildDownloadArgs(t *testing.T) {
	got := BuildDownloadArgs("/tmp/info.json", "251", "/out/100% clip#251.webm", engine.Options{})
	assert.Equal(t, []string{
		"--load-info-json", "/tmp/info.json",
		"--newline",
		"--progress-template", "download:" + progressPrefix + "%(progress)j",
		"-o", "/out/100%% clip#251.webm",
		"-f", "251",
	}, got)
}

func TestBuildMergeArgs(t *testing.T) {
	copyArgs := strings.Join(BuildMergeArgs([]string{"v.mp4", "a.m4a"}, "out.mp4", false, []string{"-b:v", "128k"}), " ")
	assert.Equal(t, "-y -nostats -hide_banner -loglevel warning -i v.mp4 -i a.m4a -map 0 -map 1 -c copy -b:v 128k -progress pipe:1 out.mp4", copyArgs)

	transcode := BuildMergeArgs([]string{"v.webm", "a.webm"}, "out.mp4", true, nil)
	assert.Contains(t, strings.Join(transcode, " "), "-c:v libx264 -c:a aac")
	assert.Equal(t, "out.mp4", transcode[len(transcode)-1])
}

func TestEngine_Extract(t *testing.T) {
	runner := &scriptedRunner{
		stdout: `{"id":"abc","title":"Clip","duration":12.5,"formats":[]}`,
		lines: []scriptLine{
			{StreamStderr, "[debug] Command-line config: ['-J']"},
			{StreamStderr, "[youtube] abc: Downloading webpage"},
			{StreamStderr, "WARNING: nsig extraction failed"},
		},
	}
	e := New(runner, "yt-dlp", "ffmpeg", newTestLogger())
	logger := &recordingLogger{}

	info, err := e.Extract(context.Background(), engine.ExtractRequest{
		URL:     "https://example.com/watch?v=abc",
		Options: engine.DefaultOptions(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}

	assert.JSONEq(t, `"Clip"`, string(info["title"]))
	assert.Equal(t, "yt-dlp", runner.calls[0].Name)
	assert.Equal(t, []string{
		"debug [debug] Command-line config: ['-J']",
		"debug [youtube] abc: Downloading webpage",
		"warning WARNING: nsig extraction failed",
	}, logger.entries)
}

func TestEngine_Extract_Errors(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		e := New(&scriptedRunner{err: errpkg.ErrEngineUnavailable}, "yt-dlp", "ffmpeg", newTestLogger())
		_, err := e.Extract(context.Background(), engine.ExtractRequest{URL: "https://x"})
		assert.ErrorIs(t, err, errpkg.ErrEngineUnavailable)
	})

	t.Run("empty output", func(t *testing.T) {
		e := New(&scriptedRunner{}, "yt-dlp", "ffmpeg", newTestLogger())
		_, err := e.Extract(context.Background(), engine.ExtractRequest{URL: "https://x"})
		assert.ErrorIs(t, err, errpkg.ErrDecodeFailure)
	})

	t.Run("malformed", func(t *testing.T) {
		e := New(&scriptedRunner{stdout: "{not json"}, "yt-dlp", "ffmpeg", newTestLogger())
		_, err := e.Extract(context.Background(), engine.ExtractRequest{URL: "https://x"})
		assert.ErrorIs(t, err, errpkg.ErrDecodeFailure)
	})

	t.Run("logger aborts", func(t *testing.T) {
		runner := &scriptedRunner{
			stdout: `{}`,
			lines:  []scriptLine{{StreamStderr, "[debug] stop here"}},
		}
		e := New(runner, "yt-dlp", "ffmpeg", newTestLogger())
		_, err := e.Extract(context.Background(), engine.ExtractRequest{
			URL:    "https://x",
			Logger: &recordingLogger{failOn: "stop"},
		})
		assert.ErrorIs(t, err, errpkg.ErrCanceled)
	})
}

func TestEngine_Download(t *testing.T) {
	var infoSeen map[string]any
	runner := &scriptedRunner{
		lines: []scriptLine{
			{StreamStdout, "[hlsnative] Total fragments: 3"},
			{StreamStdout, progressPrefix + `{"status":"downloading","downloaded_bytes":1024,"total_bytes":4096}`},
			{StreamStdout, progressPrefix + `{"status":"finished","downloaded_bytes":4096,"total_bytes":4096}`},
		},
	}
	runner.onRun = func(cmd Command) {
		data, err := os.ReadFile(cmd.Args[1])
		if err == nil {
			json.Unmarshal(data, &infoSeen)
		}
	}

	e := New(runner, "yt-dlp", "ffmpeg", newTestLogger())
	var snapshots []map[string]any
	err := e.Download(context.Background(), engine.DownloadRequest{
		Info:     engine.InfoRecord{"id": json.RawMessage(`"abc"`)},
		FormatID: "hls-720",
		Output:   "/out/clip#hls-720.mp4",
		Logger:   &recordingLogger{},
		Progress: func(s map[string]any) error {
			snapshots = append(snapshots, s)
			return nil
		},
	})
	assert.NoError(t, err)

	assert.Equal(t, "abc", infoSeen["id"])
	if assert.Len(t, snapshots, 2) {
		assert.Equal(t, float64(1024), snapshots[0]["downloaded_bytes"])
		assert.Equal(t, "hls-720", snapshots[0]["format_id"])
		assert.Equal(t, "finished", snapshots[1]["status"])
	}

	// the temporary info file is removed afterwards
	_, statErr := os.Stat(runner.calls[0].Args[1])
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngine_Assemble_Merge(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "clip#137.mp4")
	audio := filepath.Join(dir, "clip#140.m4a")
	os.WriteFile(video, []byte("v"), 0644)
	os.WriteFile(audio, []byte("a"), 0644)

	runner := &scriptedRunner{
		lines: []scriptLine{
			{StreamStdout, "out_time_us=500000"},
			{StreamStdout, "speed=2x"},
			{StreamStdout, "progress=continue"},
			{StreamStdout, "out_time_us=1000000"},
			{StreamStdout, "progress=end"},
		},
	}
	e := New(runner, "yt-dlp", "ffmpeg", newTestLogger())

	hookCalled := false
	hook := engine.PostProcessorFunc(func(params *engine.Params, info engine.InfoRecord) ([]string, engine.InfoRecord, error) {
		hookCalled = true
		params.AppendArgs(engine.MergerKey, "-b:v", "128k")
		return []string{}, info, nil
	})

	var snapshots []map[string]any
	err := e.Assemble(context.Background(), engine.AssembleRequest{
		Info:           engine.InfoRecord{},
		Inputs:         []string{video, audio},
		Output:         filepath.Join(dir, "clip.mp4"),
		Params:         engine.NewParams(),
		PostProcessors: []engine.Registration{{PostProcessor: hook, When: engine.StageBeforeDownload}},
		Progress: func(s map[string]any) error {
			snapshots = append(snapshots, s)
			return nil
		},
	})
	assert.NoError(t, err)
	assert.True(t, hookCalled)

	args := strings.Join(runner.calls[0].Args, " ")
	assert.Equal(t, "ffmpeg", runner.calls[0].Name)
	assert.Contains(t, args, "-c copy -b:v 128k -progress pipe:1")

	if assert.Len(t, snapshots, 2) {
		assert.Equal(t, int64(500000), snapshots[0]["out_time_us"])
		assert.Equal(t, "2x", snapshots[0]["speed"])
		assert.Equal(t, "finished", snapshots[1]["status"])
	}

	assert.NoFileExists(t, video)
	assert.NoFileExists(t, audio)
}

func TestEngine_Assemble_SingleInputIsMoved(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip#22.mp4")
	os.WriteFile(in, []byte("muxed"), 0644)

	runner := &scriptedRunner{}
	e := New(runner, "yt-dlp", "ffmpeg", newTestLogger())

	out := filepath.Join(dir, "clip.mp4")
	err := e.Assemble(context.Background(), engine.AssembleRequest{Inputs: []string{in}, Output: out})
	assert.NoError(t, err)
	assert.Empty(t, runner.calls)

	data, _ := os.ReadFile(out)
	assert.Equal(t, "muxed", string(data))
}

func TestEngine_Assemble_HookError(t *testing.T) {
	runner := &scriptedRunner{}
	e := New(runner, "yt-dlp", "ffmpeg", newTestLogger())

	boom := errors.New("boom")
	hook := engine.PostProcessorFunc(func(*engine.Params, engine.InfoRecord) ([]string, engine.InfoRecord, error) {
		return nil, nil, boom
	})

	err := e.Assemble(context.Background(), engine.AssembleRequest{
		Inputs:         []string{"a", "b"},
		Output:         "out.mp4",
		PostProcessors: []engine.Registration{{PostProcessor: hook, When: engine.StageBeforeDownload}},
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, runner.calls)
}

func TestRouteLog(t *testing.T) {
	l := &recordingLogger{}
	RouteLog(l, "ERROR: unable to download")
	RouteLog(l, "WARNING: retrying")
	RouteLog(l, "[download] 10%")

	assert.Equal(t, []string{
		"error ERROR: unable to download",
		"warning WARNING: retrying",
		"debug [download] 10%",
	}, l.entries)

	assert.NoError(t, RouteLog(nil, "ignored"))
}

func TestSplitByNewlineOrCR(t *testing.T) {
	adv, tok, _ := splitByNewlineOrCR([]byte("abc\rdef"), false)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "abc", string(tok))

	adv, tok, _ = splitByNewlineOrCR([]byte("tail"), true)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "tail", string(tok))
}

func TestExecRunner_MissingBinary(t *testing.T) {
	dir := t.TempDir()
	notExecutable := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(notExecutable, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	tests := map[string]string{
		"not on PATH":      "yt-dlp-not-installed-here",
		"missing absolute": filepath.Join(dir, "yt-dlp"),
		"not executable":   notExecutable,
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			err := ExecRunner{}.Run(context.Background(), Command{Name: path, Args: []string{"--version"}})
			assert.ErrorIs(t, err, errpkg.ErrEngineUnavailable)
		})
	}
}
