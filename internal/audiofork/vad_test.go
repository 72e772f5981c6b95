package audiofork

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

// squareChunk returns ms of 16-bit mono little-endian PCM alternating
// between +16384 and -16384. Every low byte is zero, so the correct byte
// order always carries more energy than the swapped reading.
func squareChunk(ms, rate int) []byte {
	samples := ms * rate / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(16384)
		if (i/8)%2 == 1 {
			v = -16384
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func silenceChunk(ms, rate int) []byte {
	return make([]byte, ms*rate/1000*2)
}

func byteSwapped(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		out[i], out[i+1] = pcm[i+1], pcm[i]
	}
	return out
}

// feed pushes chunks through the detector and returns every emitted
// utterance.
func feed(v *vad, chunks ...[]byte) []*Utterance {
	var out []*Utterance
	for _, c := range chunks {
		if u := v.process(c); u != nil {
			out = append(out, u)
		}
	}
	return out
}

func repeatChunks(chunk []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = chunk
	}
	return out
}

func TestUtteranceEndsAfterSilence(t *testing.T) {
	const rate = 16000
	v := newVAD(DefaultParams())
	v.setCapture(true)

	speech := squareChunk(20, rate)
	quiet := silenceChunk(20, rate)

	// 400 ms of leading room noise: only the last 200 ms survive as
	// pre-roll.
	if got := feed(v, repeatChunks(quiet, 20)...); len(got) != 0 {
		t.Fatalf("leading silence emitted %d utterances", len(got))
	}
	if got := feed(v, repeatChunks(speech, 20)...); len(got) != 0 {
		t.Fatalf("speech emitted %d utterances before any silence", len(got))
	}

	var utterances []*Utterance
	for i := 0; i < 75; i++ {
		u := v.process(quiet)
		if u != nil && i < 74 {
			t.Fatalf("utterance finalized after only %d ms of silence", (i+1)*20)
		}
		if u != nil {
			utterances = append(utterances, u)
		}
	}
	if len(utterances) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utterances))
	}

	u := utterances[0]
	if u.Reason != ReasonEndSilence {
		t.Errorf("reason = %q, want %q", u.Reason, ReasonEndSilence)
	}
	// 200 ms pre-roll + 400 ms speech + 1500 ms trailing silence.
	if want := 2100 * time.Millisecond; u.Duration != want {
		t.Errorf("duration = %v, want %v", u.Duration, want)
	}
	if want := 400 * time.Millisecond; u.Speech != want {
		t.Errorf("speech = %v, want %v", u.Speech, want)
	}
	if u.SampleRate != rate {
		t.Errorf("sample rate = %d, want %d", u.SampleRate, rate)
	}
	if want := 2100 * rate / 1000 * 2; len(u.PCM) != want {
		t.Fatalf("pcm length = %d, want %d", len(u.PCM), want)
	}
	preRollLen := 200 * rate / 1000 * 2
	if !bytes.Equal(u.PCM[:preRollLen], silenceChunk(200, rate)) {
		t.Error("pre-roll region is not the captured leading silence")
	}
	if !bytes.Equal(u.PCM[preRollLen:preRollLen+len(speech)], speech) {
		t.Error("speech region does not match the input audio")
	}
}

func TestShortNoiseRejected(t *testing.T) {
	const rate = 16000
	v := newVAD(DefaultParams())
	v.setCapture(true)

	speech := squareChunk(20, rate)
	quiet := silenceChunk(20, rate)

	// 100 ms of speech is below the 350 ms floor.
	chunks := append(repeatChunks(speech, 5), repeatChunks(quiet, 75)...)
	if got := feed(v, chunks...); len(got) != 0 {
		t.Fatalf("short noise produced %d utterances, want none", len(got))
	}

	// The detector must be clean for the next utterance.
	chunks = append(repeatChunks(speech, 20), repeatChunks(quiet, 75)...)
	got := feed(v, chunks...)
	if len(got) != 1 {
		t.Fatalf("got %d utterances after rejection, want 1", len(got))
	}
	if want := 400 * time.Millisecond; got[0].Speech != want {
		t.Errorf("speech = %v, want %v", got[0].Speech, want)
	}
}

func TestMaxUtteranceCap(t *testing.T) {
	const rate = 8000
	v := newVAD(Params{
		EndSilence:   500 * time.Millisecond,
		MinSpeech:    50 * time.Millisecond,
		MaxUtterance: time.Second,
		PreRoll:      40 * time.Millisecond,
		SampleRate:   rate,
	})
	v.setCapture(true)

	// 1020 ms of continuous speech: the cap fires once at exactly 1 s and
	// the remainder starts a fresh utterance.
	got := feed(v, repeatChunks(squareChunk(20, rate), 51)...)
	if len(got) != 1 {
		t.Fatalf("got %d utterances, want 1", len(got))
	}
	u := got[0]
	if u.Reason != ReasonMaxUtterance {
		t.Errorf("reason = %q, want %q", u.Reason, ReasonMaxUtterance)
	}
	if u.Duration != time.Second {
		t.Errorf("duration = %v, want %v", u.Duration, time.Second)
	}
	if u.Speech != time.Second {
		t.Errorf("speech = %v, want %v", u.Speech, time.Second)
	}
}

func TestForceFinalize(t *testing.T) {
	const rate = 16000
	speech := squareChunk(20, rate)
	quiet := silenceChunk(20, rate)

	t.Run("relaxed thresholds accept a short turn", func(t *testing.T) {
		v := newVAD(DefaultParams())
		v.setCapture(true)

		// 120 ms of speech inside 1220 ms total: the regular filter
		// would reject this on both duration and ratio.
		feed(v, repeatChunks(quiet, 10)...)
		feed(v, repeatChunks(speech, 6)...)
		feed(v, repeatChunks(quiet, 45)...)

		u := v.forceFinalize()
		if u == nil {
			t.Fatal("keypad finalize rejected a 120 ms turn")
		}
		if u.Reason != ReasonDTMFTrigger {
			t.Errorf("reason = %q, want %q", u.Reason, ReasonDTMFTrigger)
		}
		if want := 120 * time.Millisecond; u.Speech != want {
			t.Errorf("speech = %v, want %v", u.Speech, want)
		}
		if want := 1220 * time.Millisecond; u.Duration != want {
			t.Errorf("duration = %v, want %v", u.Duration, want)
		}
	})

	t.Run("still rejects sub-100ms speech", func(t *testing.T) {
		v := newVAD(DefaultParams())
		v.setCapture(true)
		feed(v, repeatChunks(speech, 3)...)
		if u := v.forceFinalize(); u != nil {
			t.Fatalf("accepted %v of speech, want rejection", u.Speech)
		}
	})

	t.Run("idle session yields nothing", func(t *testing.T) {
		v := newVAD(DefaultParams())
		v.setCapture(true)
		feed(v, repeatChunks(quiet, 5)...)
		if u := v.forceFinalize(); u != nil {
			t.Fatalf("pre-roll-only finalize emitted %+v", u)
		}
	})

	t.Run("no-op while capture is off", func(t *testing.T) {
		v := newVAD(DefaultParams())
		if u := v.forceFinalize(); u != nil {
			t.Fatalf("finalize with capture off emitted %+v", u)
		}
	})
}

func TestCaptureGate(t *testing.T) {
	const rate = 16000
	v := newVAD(DefaultParams())

	speech := squareChunk(20, rate)
	quiet := silenceChunk(20, rate)

	// Capture starts closed: bot playback must never become an utterance.
	chunks := append(repeatChunks(speech, 20), repeatChunks(quiet, 75)...)
	if got := feed(v, chunks...); len(got) != 0 {
		t.Fatalf("closed gate emitted %d utterances", len(got))
	}

	// Disabling mid-speech drops the partial utterance.
	v.setCapture(true)
	feed(v, repeatChunks(speech, 20)...)
	v.setCapture(false)
	v.setCapture(true)
	if got := feed(v, repeatChunks(quiet, 80)...); len(got) != 0 {
		t.Fatalf("dropped partial resurfaced as %d utterances", len(got))
	}

	// A runt frame is ignored rather than corrupting sample alignment.
	if u := v.process([]byte{0x7f}); u != nil {
		t.Fatalf("one-byte frame emitted %+v", u)
	}

	chunks = append(repeatChunks(speech, 20), repeatChunks(quiet, 75)...)
	got := feed(v, chunks...)
	if len(got) != 1 {
		t.Fatalf("got %d utterances with gate open, want 1", len(got))
	}
	if want := 400 * time.Millisecond; got[0].Speech != want {
		t.Errorf("speech = %v, want %v", got[0].Speech, want)
	}
}

func TestEndiannessDetection(t *testing.T) {
	const rate = 16000
	leSpeech := squareChunk(20, rate)
	beSpeech := byteSwapped(leSpeech)
	quiet := silenceChunk(20, rate)

	finalize := func(t *testing.T, v *vad, speech []byte) *Utterance {
		t.Helper()
		chunks := append(repeatChunks(speech, 20), repeatChunks(quiet, 75)...)
		got := feed(v, chunks...)
		if len(got) != 1 {
			t.Fatalf("got %d utterances, want 1", len(got))
		}
		return got[0]
	}

	t.Run("big-endian wire audio is converted", func(t *testing.T) {
		v := newVAD(DefaultParams())
		v.setCapture(true)
		u := finalize(t, v, beSpeech)
		if !bytes.Equal(u.PCM[:len(leSpeech)], leSpeech) {
			t.Error("emitted PCM is not little-endian")
		}
	})

	t.Run("little-endian wire audio passes through", func(t *testing.T) {
		v := newVAD(DefaultParams())
		v.setCapture(true)
		u := finalize(t, v, leSpeech)
		if !bytes.Equal(u.PCM[:len(leSpeech)], leSpeech) {
			t.Error("little-endian input was altered")
		}
	})

	t.Run("silent first chunk leaves the order open", func(t *testing.T) {
		v := newVAD(DefaultParams())
		v.setCapture(true)
		// Silence scores identically both ways; the first loud chunk
		// must still be free to settle on big-endian.
		if got := feed(v, quiet); len(got) != 0 {
			t.Fatalf("silence emitted %d utterances", len(got))
		}
		u := finalize(t, v, beSpeech)
		preRoll := len(quiet)
		if !bytes.Equal(u.PCM[preRoll:preRoll+len(leSpeech)], leSpeech) {
			t.Error("late big-endian detection did not convert the PCM")
		}
	})
}
