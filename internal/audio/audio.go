package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hraban/opus"
)

// The upstream realtime API expects 16-bit little-endian PCM, 24 kHz, mono.
const (
	TargetSampleRate = 24000
	TargetChannels   = 1
	targetBits       = 16
)

// opusPacketRate is the sample rate the opus decoder runs at. Opus always
// decodes at a fixed clock; we resample down to the target afterwards.
const opusPacketRate = 48000

// ErrUnsupportedAudio is returned by Normalize when the input cannot be
// decoded. Callers treat it as a per-chunk skip, never a session failure.
var ErrUnsupportedAudio = errors.New("unsupported audio input")

// Normalize decodes an incoming audio chunk and converts it to the target
// PCM profile (24 kHz, mono, s16le). Supported inputs are RIFF/WAVE files
// containing 16-bit PCM at any rate/channel count, and bare Opus packets.
func Normalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrUnsupportedAudio)
	}
	if isRIFF(raw) {
		pcm, rate, channels, err := ExtractPCM(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAudio, err)
		}
		samples := bytesToSamples(pcm)
		samples = downmix(samples, channels)
		samples = resample(samples, rate, TargetSampleRate)
		return samplesToBytes(samples), nil
	}
	return normalizeOpusPacket(raw)
}

func normalizeOpusPacket(raw []byte) ([]byte, error) {
	dec, err := opus.NewDecoder(opusPacketRate, TargetChannels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	// 120 ms is the maximum opus frame duration.
	buf := make([]int16, opusPacketRate*120/1000)
	n, err := dec.Decode(raw, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decode: %v", ErrUnsupportedAudio, err)
	}
	samples := resample(buf[:n], opusPacketRate, TargetSampleRate)
	return samplesToBytes(samples), nil
}

// ToWAV wraps raw PCM in a RIFF/WAVE container with header fields for the
// target profile. Deterministic for a given input.
func ToWAV(pcm []byte) []byte {
	return buildWAV(pcm, TargetSampleRate, TargetChannels, targetBits)
}

// buildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns the
// concatenated bytes (header + data). sampleRate in Hz, channels, bitsPerSample
// (commonly 16) are used to populate the header.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}

func isRIFF(raw []byte) bool {
	return len(raw) >= 12 && bytes.Equal(raw[0:4], []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WAVE"))
}

// ExtractPCM walks the RIFF chunks of a WAVE file and returns the raw PCM
// payload together with its sample rate and channel count. Only
// uncompressed 16-bit PCM (format tag 1) is supported.
func ExtractPCM(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if !isRIFF(wav) {
		return nil, 0, 0, errors.New("not a RIFF/WAVE stream")
	}
	var (
		haveFmt  bool
		haveData bool
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			return nil, 0, 0, fmt.Errorf("truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", format, bits)
			}
			haveFmt = true
		case "data":
			pcm = wav[body : body+size]
			haveData = true
		}
		// chunks are padded to even length
		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt || !haveData {
		return nil, 0, 0, errors.New("missing fmt or data chunk")
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, 0, errors.New("invalid fmt chunk")
	}
	return pcm, sampleRate, channels, nil
}

// downmix averages interleaved channels into mono. A mono input is
// returned unchanged.
func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// resample converts mono samples from one rate to another by linear
// interpolation. Fidelity is adequate for speech; the upstream runs its own
// transcription model on the result.
func resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	if outLen == 0 {
		outLen = 1
	}
	out := make([]int16, outLen)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(j)
		a := float64(samples[j])
		b := float64(samples[j+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

func bytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
