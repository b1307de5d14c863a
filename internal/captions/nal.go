package captions

import "encoding/binary"

// NAL unit types carrying SEI messages.
const (
	h264NALSEI       = 6
	hevcNALSEIPrefix = 39
	hevcNALSEISuffix = 40
)

// nalUnit is one NAL unit without its start code or length prefix.
type nalUnit struct {
	Type byte
	Data []byte // includes the NAL header byte(s)
}

func h264NALType(d []byte) byte { return d[0] & 0x1F }
func hevcNALType(d []byte) byte { return (d[0] >> 1) & 0x3F }

// splitNALUnits splits a compressed unit into NAL units. Annex B input
// (start-code delimited, as carried in MPEG-TS) is detected by its leading
// start code; anything else is treated as 4-byte length-prefixed (as
// carried in MP4 and Matroska).
func splitNALUnits(data []byte, hevc bool) []nalUnit {
	minBytes, typeOf := 1, h264NALType
	if hevc {
		minBytes, typeOf = 2, hevcNALType
	}
	if hasStartCode(data) {
		return parseAnnexB(data, minBytes, typeOf)
	}
	return parseLengthPrefixed(data, minBytes, typeOf)
}

func hasStartCode(data []byte) bool {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1
}

// parseAnnexB scans an Annex B byte stream for 3- and 4-byte start codes.
func parseAnnexB(data []byte, minNALBytes int, typeOf func([]byte) byte) []nalUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}
	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []nalUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if end-pos.dataStart < minNALBytes {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, nalUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

func parseLengthPrefixed(data []byte, minNALBytes int, typeOf func([]byte) byte) []nalUnit {
	var units []nalUnit
	for len(data) >= 4 {
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if size <= 0 || size > len(data) {
			break
		}
		nal := data[:size]
		data = data[size:]
		if len(nal) < minNALBytes {
			continue
		}
		units = append(units, nalUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

func isSEI(t byte, hevc bool) bool {
	if hevc {
		return t == hevcNALSEIPrefix || t == hevcNALSEISuffix
	}
	return t == h264NALSEI
}
