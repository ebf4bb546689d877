package audio

import "time"

// DurationPCM16 returns the playback duration of raw PCM16LE mono audio.
func DurationPCM16(byteLen, sampleRate int) time.Duration {
	if byteLen <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesPCM16 returns the raw PCM16LE mono byte count covering d.
func BytesPCM16(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * 2
}
