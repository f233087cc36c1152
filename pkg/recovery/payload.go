package recovery

import (
	"bufio"
	"encoding/binary"
	"io"
)

// PayloadWriter appends framed (data_version, payload) entries fetched
// alongside the binlog text stream. The text binlog only carries a
// write's offset and length, not its bytes, so FETCH writes the actual
// slice content here, in the same data_version order as the binlog
// records that reference it.
type PayloadWriter struct {
	w io.Writer
}

func NewPayloadWriter(w io.Writer) *PayloadWriter {
	return &PayloadWriter{w: w}
}

// Append writes one framed entry: [data_version u64][length u32][data].
func (pw *PayloadWriter) Append(dataVersion uint64, data []byte) error {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], dataVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(data)))
	if _, err := pw.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := pw.w.Write(data)
	return err
}

// PayloadReader reads back entries written by PayloadWriter, in order.
type PayloadReader struct {
	r *bufio.Reader
}

func NewPayloadReader(r io.Reader) *PayloadReader {
	return &PayloadReader{r: bufio.NewReader(r)}
}

// Next returns the next (data_version, payload) pair, or io.EOF once
// exhausted.
func (pr *PayloadReader) Next() (uint64, []byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(pr.r, hdr[:]); err != nil {
		return 0, nil, err
	}
	dataVersion := binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	data := make([]byte, length)
	if _, err := io.ReadFull(pr.r, data); err != nil {
		return 0, nil, err
	}
	return dataVersion, data, nil
}
