package simulcast

// Default timestamp step applied at a substream switch when no cadence
// has been observed yet: one frame at 30 fps on the 90 kHz clock.
const defaultTSStep = 3000

// SwitchingContext maps the seq/ts of whichever substream is currently
// selected onto one continuous output stream. When the source SSRC
// changes, new offsets are computed so the output resumes one step after
// where it left off; otherwise packets pass through with the current
// offsets applied. All arithmetic wraps naturally.
type SwitchingContext struct {
	inited    bool
	lastSSRC  uint32
	seqOffset uint16
	tsOffset  uint32

	lastInTS  uint32
	lastOutTS uint32
	lastSeq   uint16
	tsStep    uint32
}

// Update feeds one accepted packet through the context and returns the
// rewritten sequence number and timestamp.
func (c *SwitchingContext) Update(ssrc uint32, seq uint16, ts uint32) (uint16, uint32) {
	if !c.inited {
		c.inited = true
		c.lastSSRC = ssrc
		c.lastInTS = ts
	} else if ssrc != c.lastSSRC {
		step := c.tsStep
		if step == 0 {
			step = defaultTSStep
		}
		c.tsOffset = c.lastOutTS + step - ts
		c.seqOffset = c.lastSeq + 1 - seq
		c.lastSSRC = ssrc
		c.lastInTS = ts
	}

	outSeq := seq + c.seqOffset
	outTS := ts + c.tsOffset
	if c.inited && outTS != c.lastOutTS && ts != c.lastInTS {
		// Remember the cadence so the next switch keeps it.
		c.tsStep = outTS - c.lastOutTS
	}
	c.lastInTS = ts
	c.lastOutTS = outTS
	c.lastSeq = outSeq
	return outSeq, outTS
}
