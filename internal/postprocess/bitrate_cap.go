package postprocess

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	"github.com/veranemoloko/stream-assembler/internal/engine"
)

// Reporter receives the outcome of a post-processing run.
type Reporter interface {
	PostProcess(payload map[string]any) error
	Error(msg string) error
}

// BitrateCap caps the merged video bitrate at the bitrate measured on the
// formats selected for merge. It is registered at engine.StageBeforeDownload.
type BitrateCap struct {
	policy   domain.BitratePolicy
	jobCtx   *domain.JobContext
	reporter Reporter
	logger   *slog.Logger
}

// NewBitrateCap creates the bitrate cap hook for one job.
func NewBitrateCap(policy domain.BitratePolicy, jobCtx *domain.JobContext, reporter Reporter, logger *slog.Logger) *BitrateCap {
	return &BitrateCap{
		policy:   policy,
		jobCtx:   jobCtx,
		reporter: reporter,
		logger:   logger,
	}
}

// Run appends "-b:v <N>k" to the merger arguments when a bitrate is known.
// Undecodable requested formats only disable the cap. The info record is
// returned unchanged and no files are scheduled for deletion.
func (b *BitrateCap) Run(params *engine.Params, info engine.InfoRecord) ([]string, engine.InfoRecord, error) {
	payload := map[string]any{"hook": "bitrate_cap"}

	if raw, ok := info["duration"]; ok {
		var duration float64
		if err := json.Unmarshal(raw, &duration); err == nil {
			b.jobCtx.SetDuration(duration)
			payload["duration"] = duration
		}
	}

	formats, err := domain.DecodeFormats(info["requested_formats"])
	if err != nil {
		b.logger.Warn("requested formats not decodable, merging without bitrate cap", "error", err)
		if rerr := b.reporter.Error("bitrate cap skipped: " + err.Error()); rerr != nil {
			return []string{}, info, rerr
		}
		payload["bitrate_cap"] = nil
		return []string{}, info, b.reporter.PostProcess(payload)
	}

	ids := make([]string, 0, len(formats))
	for _, f := range formats {
		ids = append(ids, f.FormatID)
	}
	payload["format_ids"] = ids

	kbps := domain.MergeBitrateKbps(formats, b.policy)
	if kbps == nil {
		payload["bitrate_cap"] = nil
	} else {
		arg := strconv.Itoa(*kbps) + "k"
		params.AppendArgs(engine.MergerKey, "-b:v", arg)
		b.jobCtx.SetMergeBitrate(*kbps)
		payload["bitrate_cap"] = *kbps
		payload["merger_args"] = params.Args(engine.MergerKey)

		b.logger.Debug("bitrate cap applied", "kbps", *kbps, "formats", ids)
	}

	return []string{}, info, b.reporter.PostProcess(payload)
}
