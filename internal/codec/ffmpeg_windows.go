//go:build windows

package codec

const ffmpegExecutable = "ffmpeg.exe"

var ffmpegLocations = []string{
	`C:\ffmpeg\bin\ffmpeg.exe`,
	`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
	`C:\Program Files (x86)\ffmpeg\bin\ffmpeg.exe`,
}
