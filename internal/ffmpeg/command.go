package ffmpeg

import (
	"fmt"

	"github.com/eleven-am/goverlay/internal/domain"
)

// RawPixelFormat is the pixel layout exchanged with ffmpeg over pipes; it
// matches the memory layout of image.RGBA.
const RawPixelFormat = "rgba"

type CommandBuilder struct {
	Encoder *domain.EncoderConfig
}

func NewCommandBuilder(encoder *domain.EncoderConfig) *CommandBuilder {
	return &CommandBuilder{Encoder: encoder}
}

type DecodeParams struct {
	InputPath string
	Geometry  domain.Geometry
}

type EncodeParams struct {
	OutputPath string
	Geometry   domain.Geometry
}

// Decode streams every frame of the first video stream to stdout as raw RGBA
// at the probed size. Frame rate conversion is disabled so the decoder emits
// exactly one raw frame per decoded picture.
func (b *CommandBuilder) Decode(p DecodeParams) []string {
	return []string{
		"-nostdin", "-nostats", "-hide_banner", "-loglevel", "error",
		"-i", p.InputPath,
		"-map", "0:v:0",
		"-an", "-sn", "-dn",
		"-fps_mode", "passthrough",
		"-vf", fmt.Sprintf("scale=%d:%d", p.Geometry.Width, p.Geometry.Height),
		"-f", "rawvideo",
		"-pix_fmt", RawPixelFormat,
		"pipe:1",
	}
}

// Encode reads raw RGBA frames from stdin and writes a single-stream mp4 with
// the same geometry and frame rate.
func (b *CommandBuilder) Encode(p EncodeParams) []string {
	args := []string{
		"-nostats", "-hide_banner", "-loglevel", "error", "-y",
	}

	args = append(args, b.Encoder.InitFlags...)

	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", RawPixelFormat,
		"-s", fmt.Sprintf("%dx%d", p.Geometry.Width, p.Geometry.Height),
		"-r", fmt.Sprintf("%d", p.Geometry.FrameRate),
		"-i", "pipe:0",
		"-an",
	)

	args = append(args, b.encodeArgs()...)

	args = append(args,
		"-r", fmt.Sprintf("%d", p.Geometry.FrameRate),
		"-f", "mp4",
		p.OutputPath,
	)

	return args
}

func (b *CommandBuilder) encodeArgs() []string {
	args := []string{"-c:v", b.Encoder.Encoder}

	args = append(args, b.Encoder.EncodeFlags...)

	if b.Encoder.Filter != "" {
		args = append(args, "-vf", b.Encoder.Filter)
	}
	if b.Encoder.PixelFormat != "" {
		args = append(args, "-pix_fmt", b.Encoder.PixelFormat)
	}
	if b.Encoder.Tag != "" {
		args = append(args, "-tag:v", b.Encoder.Tag)
	}

	return args
}
