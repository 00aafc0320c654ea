package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PCMToSamples decodes 16-bit little-endian PCM into samples.
func PCMToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToPCM encodes samples as 16-bit little-endian PCM.
func SamplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format,
// resampling first when the rates differ.
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}

	samples, err := PCMToSamples(pcmData)
	if err != nil {
		return nil, err
	}
	samples = Resample(samples, inputSampleRate, outputSampleRate)

	pcmuData := make([]byte, len(samples))
	for i, sample := range samples {
		pcmuData[i] = linearToMulaw(sample)
	}
	return pcmuData, nil
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) to 16-bit little-endian PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	pcmData := make([]byte, len(pcmuData)*2)
	for i, mulawByte := range pcmuData {
		binary.LittleEndian.PutUint16(pcmData[i*2:], uint16(mulawToLinear(mulawByte)))
	}
	return pcmData, nil
}

// ResamplePCM resamples 16-bit little-endian PCM between rates.
func ResamplePCM(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate == outputRate || len(pcm) == 0 {
		return pcm, nil
	}
	samples, err := PCMToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return SamplesToPCM(Resample(samples, inputRate, outputRate)), nil
}

// Resample performs linear interpolation resampling.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, int(float64(len(samples))*ratio))

	for i := range output {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // 14-bit magnitude ceiling
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above 0x20.
	var segment byte
	for seg := byte(7); seg > 0; seg-- {
		if magnitude >= int32(0x40)<<(seg-1) {
			segment = seg
			break
		}
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | segment<<4 | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := (mantissa << (segment + 1)) + (int32(33) << segment) - 33
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
