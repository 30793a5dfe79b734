// Package units holds the small dB/voltage/power conversions the
// control plane applies when decoding and encoding options — the Go
// equivalent of misc.c's dB2power()/power2dB()/dB2voltage()/
// voltage2dB() in the original.
package units

import "math"

// DBToVoltage converts a dB value to a linear voltage (amplitude) ratio.
func DBToVoltage(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

// VoltageToDB converts a linear voltage ratio to dB.
func VoltageToDB(v float32) float32 {
	if v <= 0 {
		return float32(math.Inf(-1))
	}
	return float32(20 * math.Log10(float64(v)))
}

// DBToPower converts a dB value to a linear power ratio.
func DBToPower(db float32) float32 {
	return float32(math.Pow(10, float64(db)/10))
}

// PowerToDB converts a linear power ratio to dB.
func PowerToDB(p float64) float32 {
	if p <= 0 {
		return float32(math.Inf(-1))
	}
	return float32(10 * math.Log10(p))
}

// RoundSampleRate rounds rate to the nearest multiple of blockRate,
// matching round_samprate()'s "force to multiple of block rate" — I2.
func RoundSampleRate(rate, blockRate int) int {
	if blockRate <= 0 {
		return rate
	}
	return ((rate + blockRate/2) / blockRate) * blockRate
}

// OpusRates are the sample rates Opus can carry (I3).
var OpusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}
