package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Model identifies an inference model bundled with the upscaling executable.
type Model string

const (
	ModelBestQuality Model = "realesrgan-x4plus"
	ModelFast        Model = "realesrnet-x4plus"
	ModelAnime       Model = "realesrgan-x4plus-anime"
)

const DefaultModel = ModelBestQuality

// ModelDescriptor describes a model variant and the per-invocation ratios it can produce.
type ModelDescriptor struct {
	Model       Model  `json:"model"`
	Alias       string `json:"alias"`
	Label       string `json:"label"`
	NativeScale int    `json:"nativeScale"`
	PassScales  []int  `json:"passScales"`
	Description string `json:"description"`
}

var modelRegistry = []ModelDescriptor{
	{
		Model:       ModelBestQuality,
		Alias:       "best-quality",
		Label:       "Real-ESRGAN x4plus (Best Quality)",
		NativeScale: 4,
		PassScales:  []int{4, 2},
		Description: "Best quality for general photos",
	},
	{
		Model:       ModelFast,
		Alias:       "fast",
		Label:       "Real-ESRNet x4plus (Faster)",
		NativeScale: 4,
		PassScales:  []int{4, 2},
		Description: "Faster, slightly less detailed",
	},
	{
		Model:       ModelAnime,
		Alias:       "anime",
		Label:       "Real-ESRGAN Anime (Illustrations)",
		NativeScale: 4,
		PassScales:  []int{4, 2},
		Description: "Optimized for illustrations",
	},
}

// Models returns a copy of the model registry in display order.
func Models() []ModelDescriptor {
	out := make([]ModelDescriptor, len(modelRegistry))
	for i, m := range modelRegistry {
		m.PassScales = append([]int(nil), m.PassScales...)
		out[i] = m
	}

	return out
}

// LookupModel resolves a model by its identifier, alias or UI label. An empty name selects the
// default model.
func LookupModel(name string) (ModelDescriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = string(DefaultModel)
	}

	for _, m := range modelRegistry {
		if strings.EqualFold(name, string(m.Model)) ||
			strings.EqualFold(name, m.Alias) ||
			strings.EqualFold(name, m.Label) {
			return m, nil
		}
	}

	return ModelDescriptor{}, NewError(KindInvalidRequest, StageValidate,
		fmt.Sprintf("unknown model: %s, available: %s", name, strings.Join(modelKeys(), ", ")), nil)
}

func modelKeys() []string {
	keys := make([]string, len(modelRegistry))
	for i, m := range modelRegistry {
		keys[i] = string(m.Model)
	}

	return keys
}

// Scale is the total enlargement factor requested for both image dimensions.
type Scale int

var SupportedScales = []Scale{2, 4, 8}

const DefaultScale Scale = 4

func (s Scale) String() string {
	return fmt.Sprintf("%dx", int(s))
}

func (s Scale) Supported() bool {
	for _, supported := range SupportedScales {
		if s == supported {
			return true
		}
	}

	return false
}

// ParseScale accepts "4", "4x" or "4X". An empty value selects DefaultScale.
func ParseScale(raw string) (Scale, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return DefaultScale, nil
	}

	n, err := strconv.Atoi(strings.TrimSuffix(raw, "x"))
	if err != nil {
		return 0, NewError(KindInvalidRequest, StageValidate, fmt.Sprintf("invalid scale: %q", raw), err)
	}

	return Scale(n), nil
}

// Format is the encoding of an image handed back to a caller.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPG  Format = "jpg"
	FormatWebP Format = "webp"
)

// ParseFormat maps user input to a Format. Unknown values fall back to PNG.
func ParseFormat(raw string) Format {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "jpg", "jpeg":
		return FormatJPG
	case "webp":
		return FormatWebP
	default:
		return FormatPNG
	}
}

func (f Format) Extension() string {
	return "." + string(f)
}

func (f Format) MimeType() string {
	switch f {
	case FormatJPG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// ScaleRequest holds the parameters of a single upscale operation.
type ScaleRequest struct {
	Scale  Scale
	Model  string
	Format Format
}

// Invocation is one call of the external executable.
type Invocation struct {
	Input  string
	Output string
	Model  Model
	Scale  int
}

type Message struct {
	ID               int
	ChatID           int64
	Username         string
	ReplyToMessageID *int
	ImageURL         string
	Text             string
}

type Action string

const (
	Typing       Action = "typing"
	SendingPhoto Action = "upload_photo"
)
