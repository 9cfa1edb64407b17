package compress

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// lz4Encode implements the spec's "fast block codec (LZ4-like)": a
// literal/match token stream found via a single-entry hash chain over
// 4-byte sequences, matching LZ4's own minimum match length. Each token is
// (literal_len varint, literal bytes, offset varint, match_len-4 varint);
// offset 0 terminates the stream after its preceding literal run.
func lz4Encode(data []byte) []byte {
	var out []byte
	n := len(data)
	table := make(map[uint32]int)
	buf := make([]byte, binary.MaxVarintLen64)

	writeUvarint := func(x uint64) {
		l := binary.PutUvarint(buf, x)
		out = append(out, buf[:l]...)
	}

	i := 0
	literalStart := 0
	for i+4 <= n {
		h := hash4(data[i:])
		j, ok := table[h]
		table[h] = i
		if ok && j < i && matches4(data, i, j) {
			matchLen := 4
			for i+matchLen < n && data[i+matchLen] == data[j+matchLen] {
				matchLen++
			}

			writeUvarint(uint64(i - literalStart))
			out = append(out, data[literalStart:i]...)
			writeUvarint(uint64(i - j))
			writeUvarint(uint64(matchLen - 4))

			i += matchLen
			literalStart = i
			continue
		}
		i++
	}

	writeUvarint(uint64(n - literalStart))
	out = append(out, data[literalStart:]...)
	writeUvarint(0) // end of stream
	return out
}

func lz4Decode(data []byte) ([]byte, error) {
	var out []byte
	i := 0
	for {
		litLen, adv := binary.Uvarint(data[i:])
		if adv <= 0 {
			return nil, errors.New("lz4: corrupt literal length")
		}
		i += adv
		if i+int(litLen) > len(data) {
			return nil, errors.New("lz4: corrupt literal run")
		}
		out = append(out, data[i:i+int(litLen)]...)
		i += int(litLen)

		offset, adv := binary.Uvarint(data[i:])
		if adv <= 0 {
			return nil, errors.New("lz4: corrupt offset")
		}
		i += adv
		if offset == 0 {
			break
		}

		matchLenMinus4, adv := binary.Uvarint(data[i:])
		if adv <= 0 {
			return nil, errors.New("lz4: corrupt match length")
		}
		i += adv
		matchLen := int(matchLenMinus4) + 4

		start := len(out) - int(offset)
		if start < 0 {
			return nil, errors.New("lz4: invalid back-reference offset")
		}
		for k := 0; k < matchLen; k++ {
			out = append(out, out[start+k])
		}
	}
	return out, nil
}

func hash4(b []byte) uint32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return v * 2654435761
}

func matches4(data []byte, i, j int) bool {
	return data[i] == data[j] && data[i+1] == data[j+1] &&
		data[i+2] == data[j+2] && data[i+3] == data[j+3]
}
