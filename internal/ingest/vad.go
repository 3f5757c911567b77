package ingest

import (
	"encoding/binary"
	"math"
	"time"
)

// vadState tracks voice activity for one in-progress utterance using RMS
// energy with hysteresis: speech starts above speechRMS and the utterance
// ends once trailing energy stays below silenceRMS for the hold duration.
type vadState struct {
	speechRMS  float64
	silenceRMS float64

	voiced      bool
	voicedDur   time.Duration
	trailingSil time.Duration
	totalDur    time.Duration
}

func newVADState(silenceRMS float64) *vadState {
	speech := silenceRMS * 2
	if speech < 0.015 {
		speech = 0.015
	}
	return &vadState{speechRMS: speech, silenceRMS: silenceRMS}
}

// observe updates the detector with one PCM16LE frame and returns the
// trailing-silence duration accumulated since the last voiced frame.
func (v *vadState) observe(frame []byte, sampleRate int) time.Duration {
	dur := frameDuration(len(frame), sampleRate)
	v.totalDur += dur

	level := rms16(frame)
	switch {
	case level >= v.speechRMS:
		v.voiced = true
		v.voicedDur += dur
		v.trailingSil = 0
	case level < v.silenceRMS:
		v.trailingSil += dur
	default:
		// Between thresholds: not silence, not confident speech.
		v.trailingSil = 0
	}
	return v.trailingSil
}

func (v *vadState) reset() {
	v.voiced = false
	v.voicedDur = 0
	v.trailingSil = 0
	v.totalDur = 0
}

// speechDuration is total buffered time minus the trailing silence.
func (v *vadState) speechDuration() time.Duration {
	d := v.totalDur - v.trailingSil
	if d < 0 {
		return 0
	}
	return d
}

func frameDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 || byteLen <= 0 {
		return 0
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// rms16 computes normalized RMS energy of a PCM16LE frame in [0, 1].
func rms16(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
