package hwaccel

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/eleven-am/goverlay/internal/domain"
)

var encoderNames = map[domain.Accelerator]string{
	domain.AccelCUDA:         "h264_nvenc",
	domain.AccelVideoToolbox: "h264_videotoolbox",
	domain.AccelVAAPI:        "h264_vaapi",
	domain.AccelQSV:          "h264_qsv",
}

// Detect lists the accelerators for which ffmpeg reports both the hwaccel
// method and a matching H.264 encoder. AccelNone is always last.
func Detect(ctx context.Context) ([]domain.Accelerator, error) {
	hwaccels, err := detectHWAccels(ctx)
	if err != nil {
		return nil, err
	}

	encoders, err := detectEncoders(ctx)
	if err != nil {
		return nil, err
	}

	var available []domain.Accelerator
	for _, accel := range []domain.Accelerator{domain.AccelCUDA, domain.AccelVideoToolbox, domain.AccelVAAPI, domain.AccelQSV} {
		if hwaccels[string(accel)] && encoders[encoderNames[accel]] {
			available = append(available, accel)
		}
	}

	return append(available, domain.AccelNone), nil
}

func Select(available []domain.Accelerator) domain.Accelerator {
	priority := []domain.Accelerator{domain.AccelCUDA, domain.AccelQSV, domain.AccelVideoToolbox, domain.AccelVAAPI}

	for _, accel := range priority {
		for _, a := range available {
			if a == accel {
				return accel
			}
		}
	}

	return domain.AccelNone
}

func DetectBest(ctx context.Context) *domain.EncoderConfig {
	available, err := Detect(ctx)
	if err != nil {
		return NewConfig(domain.AccelNone)
	}
	return NewConfig(Select(available))
}

// NewConfig returns the sink encoder settings for an accelerator. The software
// default is MPEG-4 Part 2 tagged mp4v, the same codec OpenCV writes for the
// "mp4v" fourcc.
func NewConfig(accel domain.Accelerator) *domain.EncoderConfig {
	switch accel {
	case domain.AccelCUDA:
		return &domain.EncoderConfig{
			Accelerator: domain.AccelCUDA,
			Encoder:     "h264_nvenc",
			EncodeFlags: []string{"-preset", "p4"},
			PixelFormat: "yuv420p",
			Tag:         "avc1",
		}
	case domain.AccelVideoToolbox:
		return &domain.EncoderConfig{
			Accelerator: domain.AccelVideoToolbox,
			Encoder:     "h264_videotoolbox",
			EncodeFlags: []string{"-realtime", "true"},
			PixelFormat: "yuv420p",
			Tag:         "avc1",
		}
	case domain.AccelVAAPI:
		return &domain.EncoderConfig{
			Accelerator: domain.AccelVAAPI,
			Encoder:     "h264_vaapi",
			InitFlags:   []string{"-vaapi_device", "/dev/dri/renderD128"},
			Filter:      "format=nv12,hwupload",
			Tag:         "avc1",
		}
	case domain.AccelQSV:
		return &domain.EncoderConfig{
			Accelerator: domain.AccelQSV,
			Encoder:     "h264_qsv",
			EncodeFlags: []string{"-preset", "veryfast"},
			PixelFormat: "nv12",
			Tag:         "avc1",
		}
	default:
		return &domain.EncoderConfig{
			Accelerator: domain.AccelNone,
			Encoder:     "mpeg4",
			EncodeFlags: []string{"-q:v", "3"},
			PixelFormat: "yuv420p",
			Tag:         "mp4v",
		}
	}
}

func detectHWAccels(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-hwaccels")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && line != "Hardware acceleration methods:" {
			result[line] = true
		}
	}

	return result, nil
}

func detectEncoders(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		for _, name := range encoderNames {
			if fields[1] == name {
				result[name] = true
			}
		}
	}

	return result, nil
}
