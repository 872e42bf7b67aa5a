// Package stats compares run resource stats and formats values for display.
package stats

import (
	"sort"
	"strconv"

	"sushibar/internal/domain"
)

const (
	ChangeIncreased = "increased"
	ChangeDecreased = "decreased"
	ChangeUnchanged = "unchanged"
)

var resourceIcons = map[string]string{
	".mp4":     "fa-video-camera",
	".mp3":     "fa-headphones",
	".png":     "fa-file-image-o",
	".pdf":     "fa-file-pdf-o",
	".zip":     "fa-file-archive-o",
	"audio":    "fa-volume-up",
	"topic":    "fa-folder",
	"video":    "fa-video-camera",
	"exercise": "fa-book",
	"document": "fa-file-text",
	"html5":    "fa-file-code-o",
	"total":    "",
}

// Icon returns the display icon for a content kind.
func Icon(kind string) string {
	if icon, ok := resourceIcons[kind]; ok {
		return icon
	}
	return "fa-file"
}

// FormatCount is the identity formatter used for resource counts.
func FormatCount(v int64) string {
	return strconv.FormatInt(v, 10)
}

// SizeOf renders a byte count with binary prefixes and one decimal place:
// 0 -> "0", 1023 -> "1023.0B", 1024 -> "1.0KB", 1048576 -> "1.0MB".
func SizeOf(num int64) string {
	if num == 0 {
		return "0"
	}
	n := float64(num)
	for _, unit := range []string{"", "K", "M", "G"} {
		if n < 1024 && n > -1024 {
			return strconv.FormatFloat(n, 'f', 1, 64) + unit + "B"
		}
		n /= 1024
	}
	return strconv.FormatFloat(n, 'f', 1, 64) + "TB"
}

// Diff compares current stats against the previous successful run's stats.
// Keys missing from previous count as zero; a previous value of zero displays
// as "-". An empty current map yields no rows. The formatter is supplied by
// the caller (plain integers for counts, SizeOf for byte sizes); nil means
// FormatCount.
func Diff(current, previous map[string]int64, format func(int64) string) []domain.DiffRow {
	if len(current) == 0 {
		return []domain.DiffRow{}
	}
	if format == nil {
		format = FormatCount
	}
	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]domain.DiffRow, 0, len(keys))
	for _, k := range keys {
		v := current[k]
		var prev int64
		if previous != nil {
			prev = previous[k]
		}
		change := ChangeUnchanged
		switch {
		case v > prev:
			change = ChangeIncreased
		case v < prev:
			change = ChangeDecreased
		}
		previousValue := "-"
		if prev != 0 {
			previousValue = format(prev)
		}
		rows = append(rows, domain.DiffRow{
			Icon:          Icon(k),
			Name:          k,
			Value:         format(v),
			PreviousValue: previousValue,
			Change:        change,
		})
	}
	return rows
}
