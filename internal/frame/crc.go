package frame

// CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection, no final xor.
const crcPoly = 0x1021

var crcTable = func() (t [256]uint16) {
	for i := range t {
		c := uint16(i) << 8
		for range 8 {
			if c&0x8000 != 0 {
				c = c<<1 ^ crcPoly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC16 computes the line checksum.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// CRCState keeps the checksums of the two most recent lines. It is updated
// on every line, synced or not, so checks are meaningful again right after
// a resync.
type CRCState struct {
	last [2]uint16
}

// Expected returns the checksum a line must carry under mode.
func (s *CRCState) Expected(mode CRCMode) uint16 {
	if mode == CRCTwoLine {
		return s.last[1]
	}
	return s.last[0]
}

// Update shifts in the checksum of line.
func (s *CRCState) Update(line []byte) {
	s.last[1] = s.last[0]
	s.last[0] = CRC16(line)
}

// CheckAndUpdate compares received against the expected checksum and then
// shifts in the checksum of line, whatever the outcome. Mode none always
// matches and leaves the state alone.
func (s *CRCState) CheckAndUpdate(line []byte, received uint16, mode CRCMode) bool {
	if mode == CRCNone {
		return true
	}
	ok := received == s.Expected(mode)
	s.Update(line)
	return ok
}

// Reset clears the history.
func (s *CRCState) Reset() { s.last = [2]uint16{} }
