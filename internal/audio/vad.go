package audio

// VoiceClassifier is the second VAD stage: it decides whether a frame that
// already passed the energy gate contains voice.
type VoiceClassifier interface {
	IsVoice(samples []int16, sampleRate int) bool
}

// zcrBands maps aggressiveness (0..3) to the accepted zero-crossing-rate
// band. Voiced speech sits low in the band; broadband noise crosses zero on
// roughly every other sample.
var zcrBands = [4][2]float64{
	{0.002, 0.50},
	{0.005, 0.40},
	{0.010, 0.30},
	{0.020, 0.22},
}

// ZeroCrossingClassifier accepts frames whose zero-crossing rate falls in
// the band for its aggressiveness level. Higher levels reject more.
type ZeroCrossingClassifier struct {
	aggressiveness int
	minRate        float64
	maxRate        float64
}

// NewZeroCrossingClassifier clamps aggressiveness to 0..3.
func NewZeroCrossingClassifier(aggressiveness int) *ZeroCrossingClassifier {
	if aggressiveness < 0 {
		aggressiveness = 0
	}
	if aggressiveness > 3 {
		aggressiveness = 3
	}
	band := zcrBands[aggressiveness]
	return &ZeroCrossingClassifier{
		aggressiveness: aggressiveness,
		minRate:        band[0],
		maxRate:        band[1],
	}
}

// Aggressiveness returns the clamped level in use.
func (c *ZeroCrossingClassifier) Aggressiveness() int {
	return c.aggressiveness
}

// IsVoice reports whether the frame's zero-crossing rate is inside the band.
func (c *ZeroCrossingClassifier) IsVoice(samples []int16, sampleRate int) bool {
	rate := ZeroCrossingRate(samples)
	return rate >= c.minRate && rate <= c.maxRate
}

// ZeroCrossingRate is the fraction of adjacent sample pairs that change sign.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// ClassifierStats counts how often each stage ran.
type ClassifierStats struct {
	Frames        uint64
	EnergyRejects uint64 // frames stopped by stage 1
	ModelCalls    uint64 // frames that reached stage 2
	Voiced        uint64
}

// FrameClassifier runs the two VAD stages in order, short-circuiting on the
// energy gate so silence never pays for the voice model.
type FrameClassifier struct {
	energyThreshold float64
	model           VoiceClassifier
	stats           ClassifierStats
}

// NewFrameClassifier builds a two-stage classifier. A nil model makes the
// energy gate the only stage.
func NewFrameClassifier(energyThreshold float64, model VoiceClassifier) *FrameClassifier {
	return &FrameClassifier{energyThreshold: energyThreshold, model: model}
}

// Classify reports whether the frame is speech.
func (c *FrameClassifier) Classify(f AudioFrame) bool {
	c.stats.Frames++
	if CalculateRMS(f.Samples) < c.energyThreshold {
		c.stats.EnergyRejects++
		return false
	}
	if c.model == nil {
		c.stats.Voiced++
		return true
	}
	c.stats.ModelCalls++
	if !c.model.IsVoice(f.Samples, f.SampleRate) {
		return false
	}
	c.stats.Voiced++
	return true
}

// Stats returns the counters accumulated since creation.
func (c *FrameClassifier) Stats() ClassifierStats {
	return c.stats
}
