package simulcast

// VP8 payload descriptor handling (RFC 7741). The descriptor carries a
// picture id and TL0PICIDX that are scoped to one encoder, so stitching
// substreams together requires rebasing both at every switch.

// VP8Context rebases picture id and TL0PICIDX so the rewritten stream
// counts continuously across substream switches.
type VP8Context struct {
	lastPicID     uint16
	basePicID     uint16
	basePicIDPrev uint16

	lastTlzi     uint8
	baseTlzi     uint8
	baseTlziPrev uint8
}

// vp8Descriptor is the parsed layout of one payload descriptor.
type vp8Descriptor struct {
	startOfPartition bool
	partitionIndex   uint8

	hasPicID bool
	picID15  bool // 15-bit picture id (M flag)
	picIDPos int
	picID    uint16

	hasTlzi bool
	tlziPos int
	tlzi    uint8

	hasTID bool
	tid    uint8

	size int // descriptor length in bytes
}

func parseVP8Descriptor(payload []byte) (vp8Descriptor, bool) {
	var d vp8Descriptor
	if len(payload) < 1 {
		return d, false
	}
	b0 := payload[0]
	d.startOfPartition = b0&0x10 != 0
	d.partitionIndex = b0 & 0x07
	pos := 1
	if b0&0x80 == 0 { // no extension byte
		d.size = pos
		return d, true
	}
	if len(payload) < 2 {
		return d, false
	}
	ext := payload[1]
	pos = 2
	if ext&0x80 != 0 { // I: picture id
		if len(payload) < pos+1 {
			return d, false
		}
		d.hasPicID = true
		d.picIDPos = pos
		if payload[pos]&0x80 != 0 { // M: 15 bits
			if len(payload) < pos+2 {
				return d, false
			}
			d.picID15 = true
			d.picID = uint16(payload[pos]&0x7F)<<8 | uint16(payload[pos+1])
			pos += 2
		} else {
			d.picID = uint16(payload[pos] & 0x7F)
			pos++
		}
	}
	if ext&0x40 != 0 { // L: TL0PICIDX
		if len(payload) < pos+1 {
			return d, false
		}
		d.hasTlzi = true
		d.tlziPos = pos
		d.tlzi = payload[pos]
		pos++
	}
	if ext&0x30 != 0 { // T and/or K share one byte
		if len(payload) < pos+1 {
			return d, false
		}
		if ext&0x20 != 0 {
			d.hasTID = true
			d.tid = payload[pos] >> 6
		}
		pos++
	}
	d.size = pos
	return d, true
}

// vp8TemporalID extracts the temporal layer id from the descriptor.
func vp8TemporalID(payload []byte) (uint8, bool) {
	d, ok := parseVP8Descriptor(payload)
	if !ok || !d.hasTID {
		return 0, false
	}
	return d.tid, true
}

// vp8Keyframe reports whether the payload starts a keyframe: first
// packet of the first partition with the P bit of the VP8 payload
// header cleared.
func vp8Keyframe(payload []byte) bool {
	d, ok := parseVP8Descriptor(payload)
	if !ok || !d.startOfPartition || d.partitionIndex != 0 {
		return false
	}
	if len(payload) <= d.size {
		return false
	}
	return payload[d.size]&0x01 == 0
}

// UpdateDescriptor rewrites picture id and TL0PICIDX in place. When
// switched is true the incoming values become the new base and the
// output continues one past where the previous substream stopped.
func (c *VP8Context) UpdateDescriptor(payload []byte, switched bool) {
	d, ok := parseVP8Descriptor(payload)
	if !ok {
		return
	}
	if switched {
		c.basePicIDPrev = c.lastPicID
		c.basePicID = d.picID
		c.baseTlziPrev = c.lastTlzi
		c.baseTlzi = d.tlzi
	}
	if d.hasPicID {
		picID := (d.picID - c.basePicID + c.basePicIDPrev + 1) & 0x7FFF
		if d.picID15 {
			payload[d.picIDPos] = 0x80 | uint8(picID>>8)
			payload[d.picIDPos+1] = uint8(picID)
		} else {
			picID &= 0x7F
			payload[d.picIDPos] = uint8(picID)
		}
		c.lastPicID = picID
	}
	if d.hasTlzi {
		tlzi := d.tlzi - c.baseTlzi + c.baseTlziPrev + 1
		payload[d.tlziPos] = tlzi
		c.lastTlzi = tlzi
	}
}
