package audio

import (
	"encoding/binary"
	"time"
)

// RealtimeSampleRate is the PCM16 rate the realtime input buffer expects.
const RealtimeSampleRate = 24000

const bytesPerSample = 2

// Aligned reports whether b holds whole PCM16 samples.
func Aligned(b []byte) bool {
	return len(b)%bytesPerSample == 0
}

// Duration is the playback length of mono PCM16 at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Resample converts mono PCM16 between rates with linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < bytesPerSample {
		return pcm
	}
	in := len(pcm) / bytesPerSample
	out := int(int64(in) * int64(to) / int64(from))
	if out == 0 {
		return nil
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	res := make([]byte, out*bytesPerSample)
	ratio := float64(from) / float64(to)
	for i := 0; i < out; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		v := sample(j)
		if j+1 < in {
			v += (sample(j+1) - v) * (pos - float64(j))
		}
		binary.LittleEndian.PutUint16(res[i*2:], uint16(int16(v)))
	}
	return res
}

// Chunks splits mono PCM16 into sample-aligned frames of chunk length.
func Chunks(pcm []byte, sampleRate int, chunk time.Duration) [][]byte {
	size := int(int64(sampleRate) * int64(chunk) / int64(time.Second) * bytesPerSample)
	if size < bytesPerSample {
		size = bytesPerSample
	}
	pcm = pcm[:len(pcm)-len(pcm)%bytesPerSample]

	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}

// Silence returns d of zeroed mono PCM16 at sampleRate.
func Silence(d time.Duration, sampleRate int) []byte {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return make([]byte, samples*bytesPerSample)
}
