package pbadv

// Frame check sequence of TS 27.010 (polynomial x^8+x^2+x+1, reflected).
// A receiver running the check over data||fcs ends at fcsGood.

const fcsGood = 0xCF

var fcsTable = func() [256]uint8 {
	var t [256]uint8
	for i := range t {
		crc := uint8(i)
		for range 8 {
			if crc&0x01 != 0 {
				crc = crc>>1 ^ 0xE0
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func fcsUpdate(fcs uint8, data []byte) uint8 {
	for _, b := range data {
		fcs = fcsTable[fcs^b]
	}
	return fcs
}

// FCS returns the frame check sequence over data.
func FCS(data []byte) uint8 {
	return 0xFF - fcsUpdate(0xFF, data)
}

// CheckFCS reports whether fcs matches data.
func CheckFCS(data []byte, fcs uint8) bool {
	return fcsUpdate(fcsUpdate(0xFF, data), []byte{fcs}) == fcsGood
}
