// Package engine defines the capability contract between the job controller
// and an external extraction engine. Concrete adapters live elsewhere
// (see internal/ytdlp).
package engine

import (
	"context"
	"encoding/json"
)

// Stage names a point in the engine pipeline where post-processors run.
type Stage string

const (
	// StageBeforeDownload runs after format selection and before the final
	// download/merge step.
	StageBeforeDownload Stage = "before_dl"
)

// MergerKey is the postprocessor_args key read by the merge step.
const MergerKey = "merger+ffmpeg"

const DefaultFormat = "bestvideo+bestaudio[ext=m4a]/best"

// InfoRecord is the raw metadata record of one job as produced by the
// engine. Values are left undecoded so that post-processors can pass fields
// through without loss.
type InfoRecord map[string]json.RawMessage

// Clone returns a shallow copy of the record.
func (r InfoRecord) Clone() InfoRecord {
	out := make(InfoRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Logger receives engine log lines. A non-nil error aborts the engine call.
type Logger interface {
	Debug(msg string) error
	Info(msg string) error
	Warning(msg string) error
	Error(msg string) error
}

// ProgressHook receives one free-form snapshot per progress tick. A non-nil
// error aborts the engine call.
type ProgressHook func(snapshot map[string]any) error

// Params carries the mutable engine parameters visible to post-processors.
type Params struct {
	PostprocessorArgs map[string][]string
}

// NewParams returns empty params.
func NewParams() *Params {
	return &Params{PostprocessorArgs: make(map[string][]string)}
}

// AppendArgs appends args to the list stored under key.
func (p *Params) AppendArgs(key string, args ...string) {
	if p.PostprocessorArgs == nil {
		p.PostprocessorArgs = make(map[string][]string)
	}
	p.PostprocessorArgs[key] = append(p.PostprocessorArgs[key], args...)
}

// Args returns a copy of the list stored under key.
func (p *Params) Args(key string) []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.PostprocessorArgs[key]...)
}

// PostProcessor is invoked by the engine at its registered stage. It returns
// the files the engine should delete and the (possibly updated) info record.
type PostProcessor interface {
	Run(params *Params, info InfoRecord) (filesToDelete []string, out InfoRecord, err error)
}

// PostProcessorFunc adapts a function to PostProcessor.
type PostProcessorFunc func(params *Params, info InfoRecord) ([]string, InfoRecord, error)

func (f PostProcessorFunc) Run(params *Params, info InfoRecord) ([]string, InfoRecord, error) {
	return f(params, info)
}

// Registration binds a post-processor to a pipeline stage.
type Registration struct {
	PostProcessor PostProcessor
	When          Stage
}

// Options is the engine options mapping. Extra is passed through verbatim
// and is how cookies, proxies and similar settings reach the engine.
type Options struct {
	Format             string
	NoCheckCertificate bool
	Verbose            bool
	Extra              []string
}

// DefaultOptions returns the options used when a job does not override them.
func DefaultOptions() Options {
	return Options{
		Format:             DefaultFormat,
		NoCheckCertificate: true,
		Verbose:            true,
	}
}

// ExtractRequest asks the engine for the info record of URL.
type ExtractRequest struct {
	URL      string
	Options  Options
	Logger   Logger
	Progress ProgressHook
}

// DownloadRequest asks the engine to fetch one format it knows how to
// download itself (segmented protocols and the like).
type DownloadRequest struct {
	Info     InfoRecord
	FormatID string
	Output   string
	Options  Options
	Logger   Logger
	Progress ProgressHook
}

// AssembleRequest asks the engine to produce Output from Inputs. Registered
// post-processors run first so they can adjust Params.
type AssembleRequest struct {
	Info           InfoRecord
	Inputs         []string
	Output         string
	Transcode      bool
	Params         *Params
	PostProcessors []Registration
	Logger         Logger
	Progress       ProgressHook
}

// Engine is the capability contract of an extraction engine.
type Engine interface {
	Extract(ctx context.Context, req ExtractRequest) (InfoRecord, error)
	Download(ctx context.Context, req DownloadRequest) error
	Assemble(ctx context.Context, req AssembleRequest) error
}

// RunStage invokes every registration bound to stage in order, threading the
// info record through them. Files requested for deletion are collected.
// The caller's record is never modified.
func RunStage(stage Stage, regs []Registration, params *Params, info InfoRecord) ([]string, InfoRecord, error) {
	var toDelete []string
	info = info.Clone()
	for _, reg := range regs {
		if reg.When != stage || reg.PostProcessor == nil {
			continue
		}
		files, out, err := reg.PostProcessor.Run(params, info)
		if err != nil {
			return toDelete, info, err
		}
		toDelete = append(toDelete, files...)
		if out != nil {
			info = out
		}
	}
	return toDelete, info, nil
}
