package llm

import (
	"bufio"
	"bytes"
	"io"
)

type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r io.Reader) *sseDecoder { return &sseDecoder{r: bufio.NewReader(r)} }

// Next returns the payload of the next SSE event. Event names are ignored;
// data lines begin with "data:".
func (d *sseDecoder) Next() ([]byte, error) {
	var data []byte
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return data, nil
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 { // dispatch
			if len(data) == 0 {
				continue
			}
			return data, nil
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			data = append(data, bytes.TrimSpace(line[len("data:"):])...)
		}
	}
}
