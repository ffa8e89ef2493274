package sourcemap

import (
	"fmt"
	"sort"
	"strings"
)

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Index [256]int8

func init() {
	for i := range base64Index {
		base64Index[i] = -1
	}
	for i := 0; i < len(base64Chars); i++ {
		base64Index[base64Chars[i]] = int8(i)
	}
}

func writeVLQ(b *strings.Builder, v int) {
	var u int
	if v < 0 {
		u = (-v << 1) | 1
	} else {
		u = v << 1
	}
	for {
		digit := u & 31
		u >>= 5
		if u > 0 {
			digit |= 32
		}
		b.WriteByte(base64Chars[digit])
		if u == 0 {
			return
		}
	}
}

func readVLQ(s string, pos int) (value, next int, err error) {
	shift := 0
	result := 0
	for {
		if pos >= len(s) {
			return 0, pos, fmt.Errorf("unterminated VLQ at offset %d", pos)
		}
		digit := base64Index[s[pos]]
		if digit < 0 {
			return 0, pos, fmt.Errorf("invalid base64 character %q at offset %d", s[pos], pos)
		}
		pos++
		result += int(digit&31) << shift
		if digit&32 == 0 {
			break
		}
		shift += 5
		if shift > 60 {
			return 0, pos, fmt.Errorf("VLQ overflow at offset %d", pos)
		}
	}
	if result&1 == 1 {
		return -(result >> 1), pos, nil
	}
	return result >> 1, pos, nil
}

// Decode parses a mappings string into per-line segments.
func Decode(mappings string) ([][]Segment, error) {
	lines := [][]Segment{nil}
	var source, line, column, name int
	genColumn := 0
	pos := 0

	for pos < len(mappings) {
		switch mappings[pos] {
		case ';':
			lines = append(lines, nil)
			genColumn = 0
			pos++
			continue
		case ',':
			pos++
			continue
		}

		var fields [5]int
		n := 0
		for pos < len(mappings) && mappings[pos] != ',' && mappings[pos] != ';' {
			if n == 5 {
				return nil, fmt.Errorf("segment with more than 5 fields at offset %d", pos)
			}
			v, next, err := readVLQ(mappings, pos)
			if err != nil {
				return nil, err
			}
			fields[n] = v
			n++
			pos = next
		}

		seg := Segment{}
		genColumn += fields[0]
		seg.GenColumn = genColumn
		switch n {
		case 1:
		case 4, 5:
			source += fields[1]
			line += fields[2]
			column += fields[3]
			seg.Source, seg.Line, seg.Column, seg.HasSource = source, line, column, true
			if n == 5 {
				name += fields[4]
				seg.Name, seg.HasName = name, true
			}
		default:
			return nil, fmt.Errorf("segment with %d fields", n)
		}

		cur := &lines[len(lines)-1]
		*cur = append(*cur, seg)
	}

	for _, segs := range lines {
		sort.SliceStable(segs, func(i, j int) bool { return segs[i].GenColumn < segs[j].GenColumn })
	}
	return lines, nil
}

// Encode is the inverse of Decode.
func Encode(lines [][]Segment) string {
	var b strings.Builder
	var source, line, column, name int

	for i, segs := range lines {
		if i > 0 {
			b.WriteByte(';')
		}
		genColumn := 0
		for j, seg := range segs {
			if j > 0 {
				b.WriteByte(',')
			}
			writeVLQ(&b, seg.GenColumn-genColumn)
			genColumn = seg.GenColumn
			if !seg.HasSource {
				continue
			}
			writeVLQ(&b, seg.Source-source)
			writeVLQ(&b, seg.Line-line)
			writeVLQ(&b, seg.Column-column)
			source, line, column = seg.Source, seg.Line, seg.Column
			if seg.HasName {
				writeVLQ(&b, seg.Name-name)
				name = seg.Name
			}
		}
	}
	return b.String()
}
