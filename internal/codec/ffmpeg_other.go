//go:build !windows

package codec

const ffmpegExecutable = "ffmpeg"

var ffmpegLocations = []string{
	"/usr/bin/ffmpeg",
	"/usr/local/bin/ffmpeg",
	"/opt/homebrew/bin/ffmpeg",
	"/snap/bin/ffmpeg",
}
