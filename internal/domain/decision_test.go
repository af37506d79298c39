package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestRemuxNeeded(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		want   bool
	}{
		{"video only", Format{VCodec: "avc1.640028", ACodec: CodecNone}, true},
		{"audio only", Format{VCodec: CodecNone, ACodec: "opus"}, true},
		{"muxed", Format{VCodec: "avc1.42001E", ACodec: "mp4a.40.2"}, false},
		{"unknown codecs", Format{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.RemuxNeeded())
		})
	}
}

func TestTranscodeNeeded(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		want   bool
	}{
		{"mp4 av1", Format{Ext: "mp4", VCodec: "av01.0.05M.08"}, true},
		{"mp4 h264", Format{Ext: "mp4", VCodec: "avc1.640028"}, false},
		{"mp4 audio only", Format{Ext: "mp4", VCodec: CodecNone}, false},
		{"webm", Format{Ext: "webm", VCodec: "vp9"}, true},
		{"m4a", Format{Ext: "m4a", VCodec: CodecNone, ACodec: "mp4a.40.2"}, false},
		{"m4a odd codec", Format{Ext: "m4a", VCodec: "av01.0.05M.08"}, false},
		{"3gp", Format{Ext: "3gp"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.TranscodeNeeded())
		})
	}
}

func TestMergeBitrateKbps(t *testing.T) {
	video := Format{FormatID: "137", VCodec: "avc1", ACodec: CodecNone}
	audio := Format{FormatID: "140", VCodec: CodecNone, ACodec: "mp4a", ABR: ptr(128.0)}

	got := MergeBitrateKbps([]Format{video, audio}, BitrateMedia)
	if assert.NotNil(t, got) {
		assert.Equal(t, 128, *got)
	}

	video.VBR = ptr(2499.6)
	got = MergeBitrateKbps([]Format{video, audio}, BitrateMedia)
	if assert.NotNil(t, got) {
		assert.Equal(t, 2500, *got)
	}

	assert.Nil(t, MergeBitrateKbps(nil, BitrateMedia))
}

func TestMergeBitrateKbps_TotalFallback(t *testing.T) {
	muxed := Format{FormatID: "18", VCodec: "avc1", ACodec: "mp4a", TBR: ptr(640.4)}

	assert.Nil(t, MergeBitrateKbps([]Format{muxed}, BitrateMedia))

	got := MergeBitrateKbps([]Format{muxed}, BitrateMediaTotal)
	if assert.NotNil(t, got) {
		assert.Equal(t, 640, *got)
	}
}

func TestDecide(t *testing.T) {
	assert.Equal(t, AssemblyDecision{}, Decide(nil, BitrateMedia))

	formats := []Format{
		{FormatID: "399", Ext: "mp4", VCodec: "av01.0.08M.08", ACodec: CodecNone, VBR: ptr(1500.0)},
		{FormatID: "140", Ext: "m4a", VCodec: CodecNone, ACodec: "mp4a.40.2", ABR: ptr(129.5)},
	}
	d := Decide(formats, BitrateMedia)
	assert.True(t, d.RemuxNeeded)
	assert.True(t, d.TranscodeNeeded)
	if assert.NotNil(t, d.MergeBitrateKbps) {
		assert.Equal(t, 1500, *d.MergeBitrateKbps)
	}
}

func TestOutputExt(t *testing.T) {
	video := Format{Ext: "mp4", VCodec: "avc1", ACodec: CodecNone}
	audio := Format{Ext: "m4a", VCodec: CodecNone, ACodec: "mp4a"}
	muxedWebm := Format{Ext: "webm", VCodec: "vp9", ACodec: "opus"}
	muxedMP4 := Format{Ext: "mp4", VCodec: "avc1", ACodec: "mp4a"}

	pair := []Format{video, audio}
	assert.Equal(t, "mp4", OutputExt(pair, Decide(pair, BitrateMedia)))
	assert.Equal(t, "m4a", OutputExt([]Format{audio}, Decide([]Format{audio}, BitrateMedia)))
	assert.Equal(t, "mp4", OutputExt([]Format{muxedWebm}, Decide([]Format{muxedWebm}, BitrateMedia)))
	assert.Equal(t, "mp4", OutputExt([]Format{muxedMP4}, Decide([]Format{muxedMP4}, BitrateMedia)))
	assert.Equal(t, "", OutputExt(nil, AssemblyDecision{}))
}

func TestParseBitratePolicy(t *testing.T) {
	p, err := ParseBitratePolicy("")
	assert.NoError(t, err)
	assert.Equal(t, BitrateMedia, p)

	p, err = ParseBitratePolicy("MEDIA_TOTAL")
	assert.NoError(t, err)
	assert.Equal(t, BitrateMediaTotal, p)

	_, err = ParseBitratePolicy("tbr")
	assert.Error(t, err)
}
