package audiofork

import (
	"math"
	"time"
)

// EndReason says why an utterance was finalized.
type EndReason string

const (
	ReasonEndSilence   EndReason = "end_silence"
	ReasonMaxUtterance EndReason = "max_utterance"
	ReasonDTMFTrigger  EndReason = "dtmf_trigger"
)

// Utterance is one finalized speech segment. PCM is always 16-bit mono
// little-endian, whatever byte order arrived on the wire.
type Utterance struct {
	CallID     string
	PCM        []byte
	SampleRate int
	Duration   time.Duration
	Speech     time.Duration
	Reason     EndReason
}

// Params are the tunable voice-activity parameters of one session.
type Params struct {
	EndSilence   time.Duration // silence that ends an utterance
	MinSpeech    time.Duration // shorter utterances are discarded
	MaxUtterance time.Duration // hard cap per utterance
	PreRoll      time.Duration // audio carried into an utterance's start
	SampleRate   int           // assumed until the client states otherwise
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		EndSilence:   1500 * time.Millisecond,
		MinSpeech:    350 * time.Millisecond,
		MaxUtterance: 60 * time.Second,
		PreRoll:      200 * time.Millisecond,
		SampleRate:   16000,
	}
}

// Per-sample classification thresholds.
const (
	speechRMS            = 650  // chunk is speech when RMS reaches this
	speechPeak           = 2200 // or when any sample reaches this
	nearZeroAmplitude    = 256  // |sample| below this counts as near-zero
	silenceNearZeroRatio = 0.94 // chunk is silence when this many are near-zero
)

// Utterance acceptance thresholds. DTMF finalization means the caller
// explicitly ended their turn, so the bar drops.
const (
	minSpeechRatio     = 0.12
	dtmfMinSpeech      = 100 * time.Millisecond
	dtmfMinSpeechRatio = 0.05
)

// vad segments a PCM stream into utterances. It is not goroutine-safe; the
// owning session serializes access.
type vad struct {
	params     Params
	sampleRate int

	// Wire byte order. Provisionally little-endian; fixed for the session
	// by the first chunk loud enough to classify as speech.
	bigEndian  bool
	orderFixed bool

	capture bool

	preRoll      []byte
	utterance    []byte
	inSpeech     bool
	speechBytes  int
	silenceBytes int
}

func newVAD(params Params) *vad {
	if params.SampleRate <= 0 {
		params.SampleRate = DefaultParams().SampleRate
	}
	return &vad{params: params, sampleRate: params.SampleRate}
}

// setSampleRate adjusts the time base, normally from the client's metadata
// frame before any audio has arrived.
func (v *vad) setSampleRate(rate int) {
	if rate > 0 {
		v.sampleRate = rate
	}
}

// setCapture gates accumulation. Disabling discards any partial state so
// the bot's own playback never leaks into the next utterance.
func (v *vad) setCapture(enabled bool) {
	if v.capture && !enabled {
		v.reset()
	}
	v.capture = enabled
}

func (v *vad) reset() {
	v.preRoll = nil
	v.utterance = nil
	v.inSpeech = false
	v.speechBytes = 0
	v.silenceBytes = 0
}

func (v *vad) bytesToDuration(n int) time.Duration {
	return time.Duration(n/2) * time.Second / time.Duration(v.sampleRate)
}

func (v *vad) durationToBytes(d time.Duration) int {
	return int(d * time.Duration(v.sampleRate) * 2 / time.Second)
}

// process feeds one wire chunk through the detector and returns a finalized
// utterance when one completes, or nil.
func (v *vad) process(chunk []byte) *Utterance {
	if !v.capture || len(chunk) < 2 {
		return nil
	}

	stats := v.classify(chunk)

	if !v.inSpeech {
		if !stats.speech {
			v.appendPreRoll(chunk)
			return nil
		}
		// Utterance begins: pre-roll first, then the chunk that tripped it.
		v.inSpeech = true
		v.utterance = append(v.utterance, v.preRoll...)
		v.utterance = append(v.utterance, chunk...)
		v.preRoll = nil
		v.speechBytes = len(chunk)
		v.silenceBytes = 0
		return nil
	}

	v.utterance = append(v.utterance, chunk...)
	switch {
	case stats.speech:
		v.speechBytes += len(chunk)
		v.silenceBytes = 0
	case stats.silence:
		v.silenceBytes += len(chunk)
	}
	// Chunks that are neither clear speech nor clear silence (low hum,
	// line noise) extend the utterance without feeding either counter.

	if v.silenceBytes >= v.durationToBytes(v.params.EndSilence) {
		return v.finalize(ReasonEndSilence)
	}
	if v.bytesToDuration(len(v.utterance)) >= v.params.MaxUtterance {
		return v.finalize(ReasonMaxUtterance)
	}
	return nil
}

// forceFinalize ends the current utterance immediately, keypad-style.
func (v *vad) forceFinalize() *Utterance {
	if !v.capture {
		return nil
	}
	if !v.inSpeech {
		// Whatever is in the pre-roll is all we heard.
		v.utterance = v.preRoll
		v.preRoll = nil
	}
	return v.finalize(ReasonDTMFTrigger)
}

// finalize applies the acceptance filter and resets for the next utterance.
func (v *vad) finalize(reason EndReason) *Utterance {
	defer v.reset()

	if len(v.utterance) == 0 {
		return nil
	}

	minSpeech, minRatio := v.params.MinSpeech, minSpeechRatio
	if reason == ReasonDTMFTrigger {
		minSpeech, minRatio = dtmfMinSpeech, dtmfMinSpeechRatio
	}
	speechDur := v.bytesToDuration(v.speechBytes)
	ratio := float64(v.speechBytes) / float64(len(v.utterance))
	if speechDur < minSpeech || ratio < minRatio {
		return nil
	}

	return &Utterance{
		PCM:        toLittleEndian(v.utterance, v.bigEndian),
		SampleRate: v.sampleRate,
		Duration:   v.bytesToDuration(len(v.utterance)),
		Speech:     speechDur,
		Reason:     reason,
	}
}

func (v *vad) appendPreRoll(chunk []byte) {
	v.preRoll = append(v.preRoll, chunk...)
	if limit := v.durationToBytes(v.params.PreRoll); len(v.preRoll) > limit {
		v.preRoll = v.preRoll[len(v.preRoll)-limit:]
	}
}

type chunkClass struct {
	speech  bool
	silence bool
}

// classify decides speech/silence for one chunk, settling the wire byte
// order first if it is still open.
func (v *vad) classify(chunk []byte) chunkClass {
	if !v.orderFixed {
		le := analyzeChunk(chunk, false)
		be := analyzeChunk(chunk, true)
		v.bigEndian = be.score() > le.score()
		best := le
		if v.bigEndian {
			best = be
		}
		// Silence scores the same both ways; only a speech-loud chunk is
		// evidence enough to commit.
		if best.isSpeech() {
			v.orderFixed = true
		}
		return chunkClass{speech: best.isSpeech(), silence: best.isSilence()}
	}

	stats := analyzeChunk(chunk, v.bigEndian)
	return chunkClass{speech: stats.isSpeech(), silence: stats.isSilence()}
}

type chunkStats struct {
	rms      float64
	maxAbs   int
	nearZero float64
}

func (s chunkStats) score() float64 { return s.rms + float64(s.maxAbs) }

func (s chunkStats) isSpeech() bool {
	return s.rms >= speechRMS || s.maxAbs >= speechPeak
}

func (s chunkStats) isSilence() bool {
	return s.nearZero > silenceNearZeroRatio && s.rms < speechRMS
}

// analyzeChunk computes RMS, peak and near-zero ratio for one byte-order
// interpretation of the chunk. A trailing odd byte is ignored.
func analyzeChunk(chunk []byte, bigEndian bool) chunkStats {
	n := len(chunk) / 2
	if n == 0 {
		return chunkStats{nearZero: 1}
	}

	var sumSquares float64
	var maxAbs, nearZero int
	for i := 0; i < n; i++ {
		var s int16
		if bigEndian {
			s = int16(uint16(chunk[i*2])<<8 | uint16(chunk[i*2+1]))
		} else {
			s = int16(uint16(chunk[i*2]) | uint16(chunk[i*2+1])<<8)
		}
		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		if abs > maxAbs {
			maxAbs = abs
		}
		if abs < nearZeroAmplitude {
			nearZero++
		}
		sumSquares += float64(s) * float64(s)
	}

	return chunkStats{
		rms:      math.Sqrt(sumSquares / float64(n)),
		maxAbs:   maxAbs,
		nearZero: float64(nearZero) / float64(n),
	}
}

// toLittleEndian byte-swaps big-endian wire audio; little-endian input is
// returned as-is.
func toLittleEndian(pcm []byte, bigEndian bool) []byte {
	if !bigEndian {
		return pcm
	}
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		out[i], out[i+1] = pcm[i+1], pcm[i]
	}
	if len(pcm)%2 == 1 {
		out[len(pcm)-1] = pcm[len(pcm)-1]
	}
	return out
}
