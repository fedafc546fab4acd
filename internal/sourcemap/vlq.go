package sourcemap

import "fmt"

// decodedMapping is one segment of the "mappings" field with deltas
// resolved. Lines are 0-based here, exactly as encoded.
type decodedMapping struct {
	genLine   int
	genCol    int
	sourceIdx int // -1 when the segment carries no source
	origLine  int
	origCol   int
	nameIdx   int // -1 when the segment carries no name
}

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Lookup = func() [128]int8 {
	var t [128]int8
	for i := range t {
		t[i] = -1
	}
	for i, c := range base64Chars {
		t[c] = int8(i)
	}
	return t
}()

// decodeMappings expands a source map "mappings" string into absolute
// positions. Malformed input returns an error; it never panics.
func decodeMappings(mappings string) ([]decodedMapping, error) {
	var out []decodedMapping
	genLine := 0
	genCol := 0
	sourceIdx := 0
	origLine := 0
	origCol := 0
	nameIdx := 0

	i := 0
	for i <= len(mappings) {
		// A line ends at ';' or at end of input.
		end := i
		for end < len(mappings) && mappings[end] != ';' {
			end++
		}
		line := mappings[i:end]
		genCol = 0

		for len(line) > 0 {
			segEnd := 0
			for segEnd < len(line) && line[segEnd] != ',' {
				segEnd++
			}
			seg := line[:segEnd]
			if len(seg) > 0 {
				fields, err := decodeVLQSegment(seg)
				if err != nil {
					return nil, err
				}
				switch len(fields) {
				case 1, 4, 5:
				default:
					return nil, fmt.Errorf("sourcemap: segment has %d fields", len(fields))
				}
				genCol += fields[0]
				m := decodedMapping{
					genLine:   genLine,
					genCol:    genCol,
					sourceIdx: -1,
					nameIdx:   -1,
				}
				if len(fields) >= 4 {
					sourceIdx += fields[1]
					origLine += fields[2]
					origCol += fields[3]
					m.sourceIdx = sourceIdx
					m.origLine = origLine
					m.origCol = origCol
				}
				if len(fields) == 5 {
					nameIdx += fields[4]
					m.nameIdx = nameIdx
				}
				out = append(out, m)
			}
			if segEnd == len(line) {
				break
			}
			line = line[segEnd+1:]
		}

		genLine++
		i = end + 1
	}
	return out, nil
}

// decodeVLQSegment decodes one comma-free run of base64 VLQ values.
func decodeVLQSegment(seg string) ([]int, error) {
	var fields []int
	value := 0
	shift := uint(0)
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c >= 128 || base64Lookup[c] < 0 {
			return nil, fmt.Errorf("sourcemap: invalid VLQ character %q", c)
		}
		digit := int(base64Lookup[c])
		value |= (digit & 0x1f) << shift
		if digit&0x20 != 0 {
			shift += 5
			if shift > 30 {
				return nil, fmt.Errorf("sourcemap: VLQ value too large")
			}
			continue
		}
		// Low bit is the sign.
		if value&1 != 0 {
			fields = append(fields, -(value >> 1))
		} else {
			fields = append(fields, value>>1)
		}
		value = 0
		shift = 0
	}
	if shift != 0 {
		return nil, fmt.Errorf("sourcemap: truncated VLQ segment")
	}
	return fields, nil
}
