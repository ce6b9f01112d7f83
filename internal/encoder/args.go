package encoder

import (
	"net/url"
	"path"
	"strings"
)

// Target is where an encode process pushes media.
type Target struct {
	URL string
	// Protocol is the ingestion type assigned by the platform: rtmp, hls
	// or dash. HLS and DASH both ingest over https, so the URL alone
	// cannot tell them apart.
	Protocol string
}

// Output containers keyed by ingestion protocol.
var containerByProtocol = map[string]string{
	"rtmp":  "flv",
	"rtmps": "flv",
	"hls":   "hls",
	"dash":  "dash",
}

// ContainerFor returns the ffmpeg output format for target. Without a
// protocol it falls back to the URL scheme, then the manifest extension.
// Anything unrecognised gets flv, which every RTMP ingest expects.
func ContainerFor(target Target) string {
	if format, ok := containerByProtocol[strings.ToLower(strings.TrimSpace(target.Protocol))]; ok {
		return format
	}
	parsed, err := url.Parse(strings.TrimSpace(target.URL))
	if err != nil {
		return "flv"
	}
	if format, ok := containerByProtocol[strings.ToLower(parsed.Scheme)]; ok {
		return format
	}
	name := parsed.Query().Get("file")
	if name == "" {
		name = parsed.Path
	}
	switch path.Ext(name) {
	case ".mpd":
		return "dash"
	case ".m3u8":
		return "hls"
	}
	return "flv"
}

// BuildArgs renders the fixed encode policy for a looped file push.
func BuildArgs(mediaPath string, target Target) []string {
	return []string{
		"-re",
		"-stream_loop", "-1",
		"-i", mediaPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "main",
		"-b:v", "2500k",
		"-maxrate", "2500k",
		"-bufsize", "5000k",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-keyint_min", "60",
		"-r", "30",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
		"-progress", "pipe:1",
		"-nostats",
		"-f", ContainerFor(target),
		target.URL,
	}
}
