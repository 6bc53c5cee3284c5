package objectstore

import (
	"path"
	"strings"
)

// Key layout shared with the transcoder worker and the CDN. Changing these
// breaks playback URLs already handed to clients.

// SourcePrefix is the bucket prefix holding raw client uploads.
const SourcePrefix = "sources/"

// SourceKey returns the upload key for a video's original file.
func SourceKey(videoID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	return SourcePrefix + videoID + "/original" + ext
}

// ManifestKey returns the playback manifest key written by the worker.
func ManifestKey(videoID string) string {
	return "processed/" + videoID + "/manifest.json"
}

// ProcessedPrefix returns the prefix holding all worker outputs for a video.
func ProcessedPrefix(videoID string) string {
	return "processed/" + videoID + "/"
}
