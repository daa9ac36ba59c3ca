package domain

type Accelerator string

const (
	AccelNone         Accelerator = "none"
	AccelCUDA         Accelerator = "cuda"
	AccelVideoToolbox Accelerator = "videotoolbox"
	AccelVAAPI        Accelerator = "vaapi"
	AccelQSV          Accelerator = "qsv"
)

// EncoderConfig describes how annotated frames are encoded into the output
// container.
type EncoderConfig struct {
	Accelerator Accelerator
	Encoder     string
	InitFlags   []string
	EncodeFlags []string
	Filter      string
	PixelFormat string
	Tag         string
}
