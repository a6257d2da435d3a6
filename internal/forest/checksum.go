package forest

import "encoding/binary"

// HeaderChecksum and PayloadChecksum compute a one's-complement sum of
// 32-bit big-endian words, the same folding idiom the teacher's
// CalculateChecksum uses at 16 bits (pkg/common/checksum.go), widened to
// the header's 32-bit checksum field. The reference router treats these
// as trivially-satisfied placeholders (spec.md §9's open question), but
// the entry points are real so hdrErrUpdate/payErrUpdate have something
// to recompute after every header mutation.

// HeaderChecksum computes the checksum over the first HeaderLength-4
// bytes of buf (the header fields preceding the checksum word itself).
func HeaderChecksum(buf []byte) uint32 {
	return sum32(buf[:HeaderLength-4])
}

// PayloadChecksum computes the checksum over data, the packet's payload
// excluding the trailing 4-byte checksum word.
func PayloadChecksum(data []byte) uint32 {
	return sum32(data)
}

func sum32(data []byte) uint32 {
	var sum uint64
	n := len(data)
	for i := 0; i+4 <= n; i += 4 {
		sum += uint64(binary.BigEndian.Uint32(data[i : i+4]))
	}
	if rem := n % 4; rem != 0 {
		var last [4]byte
		copy(last[:], data[n-rem:])
		sum += uint64(binary.BigEndian.Uint32(last[:]))
	}
	for sum > 0xFFFFFFFF {
		sum = (sum & 0xFFFFFFFF) + (sum >> 32)
	}
	return ^uint32(sum)
}
