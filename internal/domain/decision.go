package domain

import (
	"fmt"
	"math"
	"strings"
)

// AssemblyDecision is derived from a set of formats and never stored.
type AssemblyDecision struct {
	RemuxNeeded      bool `json:"remux_needed"`
	TranscodeNeeded  bool `json:"transcode_needed"`
	MergeBitrateKbps *int `json:"merge_bitrate_kbps,omitempty"`
}

// BitratePolicy selects which bitrate field counts as a format's average bitrate.
type BitratePolicy string

const (
	// BitrateMedia uses vbr, then abr.
	BitrateMedia BitratePolicy = "media"
	// BitrateMediaTotal uses vbr, then abr, then tbr.
	BitrateMediaTotal BitratePolicy = "media_total"
)

// ParseBitratePolicy maps a configuration value to a BitratePolicy.
func ParseBitratePolicy(s string) (BitratePolicy, error) {
	switch BitratePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", BitrateMedia:
		return BitrateMedia, nil
	case BitrateMediaTotal:
		return BitrateMediaTotal, nil
	default:
		return "", fmt.Errorf("unknown bitrate policy %q (expected %s or %s)", s, BitrateMedia, BitrateMediaTotal)
	}
}

// RemuxNeeded is true when the format carries a single media type and must
// be combined with a companion stream.
func (f Format) RemuxNeeded() bool {
	return f.IsVideoOnly() || f.IsAudioOnly()
}

// TranscodeNeeded reports whether the stream cannot be remuxed as is.
// mp4 cannot carry AV1 in the target pipeline; containers other than mp4
// and m4a always need re-encoding.
func (f Format) TranscodeNeeded() bool {
	if f.Ext == "mp4" {
		return strings.HasPrefix(f.VCodec, AV1CodecPrefix)
	}
	return f.Ext != "m4a"
}

// AverageBitrate returns the format's bitrate in kbps under policy, or nil.
func (f Format) AverageBitrate(policy BitratePolicy) *float64 {
	if f.VBR != nil {
		return f.VBR
	}
	if f.ABR != nil {
		return f.ABR
	}
	if policy == BitrateMediaTotal && f.TBR != nil {
		return f.TBR
	}
	return nil
}

// MergeBitrateKbps returns the first available average bitrate among the
// formats selected for merge, rounded to the nearest kbps.
func MergeBitrateKbps(formats []Format, policy BitratePolicy) *int {
	for _, f := range formats {
		if br := f.AverageBitrate(policy); br != nil {
			kbps := int(math.Round(*br))
			return &kbps
		}
	}
	return nil
}

// Decide computes the assembly decision for formats. It is recomputed on
// every call since the selection can differ per job.
func Decide(formats []Format, policy BitratePolicy) AssemblyDecision {
	var d AssemblyDecision
	for _, f := range formats {
		d.RemuxNeeded = d.RemuxNeeded || f.RemuxNeeded()
		d.TranscodeNeeded = d.TranscodeNeeded || f.TranscodeNeeded()
	}
	d.MergeBitrateKbps = MergeBitrateKbps(formats, policy)
	return d
}

// OutputExt picks the container for the assembled file.
func OutputExt(formats []Format, d AssemblyDecision) string {
	if len(formats) == 0 {
		return ""
	}
	allAudio := true
	for _, f := range formats {
		allAudio = allAudio && f.IsAudioOnly()
	}
	switch {
	case allAudio:
		return "m4a"
	case len(formats) > 1 || d.TranscodeNeeded:
		return "mp4"
	default:
		return formats[0].Ext
	}
}
