package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum utilities for stored delta records.
// Uses CRC32 (Castagnoli polynomial), which has hardware support on amd64 and arm64.

// ChecksumSize is the encoded size of a checksum
const ChecksumSize = 4

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// ComputeChecksum computes a CRC32 checksum over the concatenation of parts
func ComputeChecksum(parts ...[]byte) uint32 {
	var sum uint32
	for _, p := range parts {
		sum = crc32.Update(sum, crc32Table, p)
	}
	return sum
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(expected uint32, parts ...[]byte) bool {
	return ComputeChecksum(parts...) == expected
}

// AppendChecksum appends a 4-byte little-endian checksum to the data
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data), len(data)+ChecksumSize)
	copy(result, data)
	return binary.LittleEndian.AppendUint32(result, ComputeChecksum(data))
}

// ValidateAndStripChecksum validates the checksum and returns data without checksum
// Format: [data][checksum (4 bytes)]
// Returns (data, valid) where valid indicates if checksum was correct
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < ChecksumSize {
		return nil, false
	}

	dataLen := len(dataWithChecksum) - ChecksumSize
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(expected, data)
}
