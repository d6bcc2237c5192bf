package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Info describes the properties of a video file needed to plan segments.
type Info struct {
	FPS        float64
	FrameCount int
	Duration   float64
	Width      int
	Height     int
}

// Prober inspects video files and extracts frames by shelling out to
// ffprobe/ffmpeg. Decoding stays outside the process boundary.
type Prober struct {
	FFprobe string
	FFmpeg  string
}

// NewProber returns a Prober using the given binaries, defaulting to the
// ones on PATH.
func NewProber(ffprobe, ffmpeg string) *Prober {
	if strings.TrimSpace(ffprobe) == "" {
		ffprobe = "ffprobe"
	}
	if strings.TrimSpace(ffmpeg) == "" {
		ffmpeg = "ffmpeg"
	}
	return &Prober{FFprobe: ffprobe, FFmpeg: ffmpeg}
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects path and returns its frame rate, frame count and duration.
func (p *Prober) Probe(ctx context.Context, path string) (Info, error) {
	if strings.TrimSpace(path) == "" {
		return Info{}, errors.New("probe: empty path")
	}
	cmd := exec.CommandContext(ctx, p.FFprobe,
		"-v", "error", "-hide_banner",
		"-show_format", "-show_streams",
		"-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", path, err)
	}

	var probed probeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return Info{}, fmt.Errorf("probe parse: %w", err)
	}

	var info Info
	info.Duration = parseFloat(probed.Format.Duration)
	for _, stream := range probed.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		info.Width = stream.Width
		info.Height = stream.Height
		info.FPS = parseRate(stream.RFrameRate)
		if info.FPS == 0 {
			info.FPS = parseRate(stream.AvgFrameRate)
		}
		if n, err := strconv.Atoi(stream.NbFrames); err == nil {
			info.FrameCount = n
		}
		if info.Duration == 0 {
			info.Duration = parseFloat(stream.Duration)
		}
		break
	}
	if info.FPS == 0 {
		return Info{}, fmt.Errorf("probe %s: no video stream", path)
	}
	if info.FrameCount == 0 {
		info.FrameCount = int(info.Duration * info.FPS)
	}
	if info.FrameCount == 0 {
		return Info{}, fmt.Errorf("probe %s: empty video", path)
	}
	return info, nil
}

// ExtractFrame decodes the frame at the given index as JPEG bytes.
func (p *Prober) ExtractFrame(ctx context.Context, path string, frame int, fps float64) ([]byte, error) {
	if fps <= 0 {
		return nil, errors.New("extract frame: non-positive fps")
	}
	seek := float64(frame) / fps
	cmd := exec.CommandContext(ctx, p.FFmpeg,
		"-v", "error", "-hide_banner",
		"-ss", fmt.Sprintf("%.3f", seek),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2", "-c:v", "mjpeg",
		"pipe:1")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extract frame %d from %s: %w", frame, path, err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("extract frame %d from %s: no output", frame, path)
	}
	return out.Bytes(), nil
}

// ExtractFrames decodes up to maxFrames frames sampled evenly across
// [startFrame, endFrame) as JPEG bytes.
func (p *Prober) ExtractFrames(ctx context.Context, path string, startFrame, endFrame int, fps float64, maxFrames int) ([][]byte, error) {
	if fps <= 0 {
		return nil, errors.New("extract frames: non-positive fps")
	}
	span := endFrame - startFrame
	if span <= 0 {
		return nil, fmt.Errorf("extract frames: empty range [%d, %d)", startFrame, endFrame)
	}
	if maxFrames <= 0 || maxFrames > span {
		maxFrames = span
	}

	// Even sampling keeps the clip representative without decoding every frame.
	step := span / maxFrames
	if step < 1 {
		step = 1
	}
	start := float64(startFrame) / fps
	duration := float64(span) / fps
	cmd := exec.CommandContext(ctx, p.FFmpeg,
		"-v", "error", "-hide_banner",
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", duration),
		"-i", path,
		"-vf", fmt.Sprintf("select='not(mod(n\\,%d))'", step),
		"-vsync", "vfr",
		"-frames:v", strconv.Itoa(maxFrames),
		"-f", "image2pipe", "-c:v", "mjpeg",
		"pipe:1")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extract frames [%d, %d) from %s: %w", startFrame, endFrame, path, err)
	}

	frames := splitJPEGs(out.Bytes())
	if len(frames) == 0 {
		return nil, fmt.Errorf("extract frames [%d, %d) from %s: no output", startFrame, endFrame, path)
	}
	return frames, nil
}

// splitJPEGs splits a concatenated MJPEG stream on SOI/EOI markers.
func splitJPEGs(data []byte) [][]byte {
	var frames [][]byte
	for len(data) >= 4 {
		start := bytes.Index(data, []byte{0xFF, 0xD8})
		if start < 0 {
			break
		}
		end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
		if end < 0 {
			break
		}
		end += start + 2 + 2
		frames = append(frames, data[start:end])
		data = data[end:]
	}
	return frames
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseRate parses an ffprobe rational like "30000/1001".
func parseRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" || value == "0/0" {
		return 0
	}
	num, den, ok := strings.Cut(value, "/")
	if !ok {
		return parseFloat(value)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}
