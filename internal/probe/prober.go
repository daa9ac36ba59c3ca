package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/eleven-am/goverlay/internal/domain"
)

type Prober struct {
	binary string
}

func NewProber() *Prober {
	return &Prober{binary: "ffprobe"}
}

// Probe reads the geometry of the first video stream. Any failure, including
// a readable file without a decodable video stream, is ErrCannotOpenSource.
func (p *Prober) Probe(ctx context.Context, path string) (domain.Geometry, error) {
	if _, err := os.Stat(path); err != nil {
		return domain.Geometry{}, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
	}

	ff, err := p.probeStreams(ctx, path)
	if err != nil {
		return domain.Geometry{}, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
	}

	for _, s := range ff.Streams {
		if s.CodecType != "video" {
			continue
		}
		fps := parseFrameRate(s.RFrameRate)
		if fps <= 0 {
			fps = parseFrameRate(s.AvgFrameRate)
		}
		g := domain.Geometry{
			Width:     s.Width,
			Height:    s.Height,
			FrameRate: int(math.Round(fps)),
		}
		if err := g.Validate(); err != nil {
			return domain.Geometry{}, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
		}
		return g, nil
	}

	return domain.Geometry{}, fmt.Errorf("%w: no video stream in %s", domain.ErrCannotOpenSource, path)
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

func (p *Prober) probeStreams(ctx context.Context, path string) (*ffprobeOutput, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-of", "json",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffprobe: %s: %w", msg, err)
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var ff ffprobeOutput
	if err := json.Unmarshal(output, &ff); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}
	return &ff, nil
}

func parseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}
