package domain

import (
	"encoding/json"
	"strings"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

const safeTitleLength = 40

// Chapter is one chapter marker of the media.
type Chapter struct {
	Title     string   `json:"title,omitempty"`
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

// Info is the metadata record the extraction engine returns for one job.
type Info struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Formats          []Format  `json:"formats"`
	RequestedFormats []Format  `json:"requested_formats,omitempty"`
	FormatID         string    `json:"format_id,omitempty"`
	Ext              string    `json:"ext,omitempty"`
	Description      string    `json:"description,omitempty"`
	UploadDate       string    `json:"upload_date,omitempty"`
	Uploader         string    `json:"uploader,omitempty"`
	UploaderID       string    `json:"uploader_id,omitempty"`
	Channel          string    `json:"channel,omitempty"`
	ChannelID        string    `json:"channel_id,omitempty"`
	Duration         *float64  `json:"duration,omitempty"`
	DurationString   string    `json:"duration_string,omitempty"`
	ViewCount        *int64    `json:"view_count,omitempty"`
	LikeCount        *int64    `json:"like_count,omitempty"`
	WebpageURL       string    `json:"webpage_url,omitempty"`
	OriginalURL      string    `json:"original_url,omitempty"`
	Thumbnail        string    `json:"thumbnail,omitempty"`
	Chapters         []Chapter `json:"chapters,omitempty"`
	Availability     string    `json:"availability,omitempty"`
	LiveStatus       string    `json:"live_status,omitempty"`
	IsLive           *bool     `json:"is_live,omitempty"`
	WasLive          *bool     `json:"was_live,omitempty"`
	Extractor        string    `json:"extractor,omitempty"`
	ExtractorKey     string    `json:"extractor_key,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Categories       []string  `json:"categories,omitempty"`
}

// SafeTitle returns a filesystem-friendly prefix of the title.
func (i *Info) SafeTitle() string {
	title := i.Title
	if title == "" {
		title = i.ID
	}
	if title == "" {
		title = "download"
	}
	runes := []rune(title)
	if len(runes) > safeTitleLength {
		runes = runes[:safeTitleLength]
	}
	return strings.ReplaceAll(string(runes), "/", "_")
}

// SafeID returns the media id reduced to characters that are safe in a file
// name. It is empty when the record has no id.
func (i *Info) SafeID() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, i.ID)
}

// SelectedFormats returns the formats chosen for this job: the requested
// (merge) set when present, otherwise the single chosen format.
func (i *Info) SelectedFormats() ([]Format, error) {
	selected := i.RequestedFormats
	if len(selected) == 0 && i.FormatID != "" {
		for _, f := range i.Formats {
			if f.FormatID == i.FormatID {
				selected = []Format{f}
				break
			}
		}
	}
	if len(selected) == 0 && len(i.Formats) > 0 {
		// formats are ordered worst to best
		selected = []Format{i.Formats[len(i.Formats)-1]}
	}
	if len(selected) == 0 {
		return nil, &errpkg.DecodeError{What: "info " + i.ID, Err: errpkg.ErrNoFormats}
	}

	for _, f := range selected {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

// DecodeInfo decodes the engine's JSON metadata record.
func DecodeInfo(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &errpkg.DecodeError{What: "info", Err: err}
	}
	return &info, nil
}

// DecodeInfoRecord decodes a record that was already split into top-level fields.
func DecodeInfoRecord(record map[string]json.RawMessage) (*Info, error) {
	if len(record) == 0 {
		return nil, &errpkg.DecodeError{What: "info", Err: errpkg.ErrNoFormats}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, &errpkg.DecodeError{What: "info", Err: err}
	}
	return DecodeInfo(data)
}
