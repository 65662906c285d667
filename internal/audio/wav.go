package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DecodeWAV reads a RIFF PCM16 file and returns mono float32 samples.
// Stereo input is downmixed.
func DecodeWAV(data []byte) ([]float32, int, error) {
	r := bytes.NewReader(data)
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		channels   uint16
		sampleRate uint32
		bits       uint16
		haveFmt    bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, 0, fmt.Errorf("wav chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("wav fmt: %w", err)
			}
			if len(body) < 16 {
				return nil, 0, fmt.Errorf("wav fmt chunk too short")
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return nil, 0, fmt.Errorf("unsupported wav format %d", format)
			}
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("wav data before fmt")
			}
			if bits != 16 || channels == 0 {
				return nil, 0, fmt.Errorf("unsupported wav layout: %d bits, %d channels", bits, channels)
			}
			// streamed synthesis output may carry an unknown (0 or max) size
			limit := int64(size)
			if size == 0 {
				limit = int64(r.Len())
			}
			body, err := io.ReadAll(io.LimitReader(r, limit))
			if err != nil {
				return nil, 0, fmt.Errorf("wav data: %w", err)
			}
			frames := len(body) / (2 * int(channels))
			out := make([]float32, frames)
			for i := 0; i < frames; i++ {
				var sum float32
				for c := 0; c < int(channels); c++ {
					off := (i*int(channels) + c) * 2
					sum += float32(int16(binary.LittleEndian.Uint16(body[off:]))) / 32768
				}
				out[i] = sum / float32(channels)
			}
			return out, int(sampleRate), nil
		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return nil, 0, fmt.Errorf("wav skip %q: %w", id, err)
			}
		}
	}
}

// EncodeWAV writes mono float32 samples as a RIFF PCM16 file.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := Float32ToPCM16(samples)
	dataLen := uint32(len(pcm) * 2)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	_ = binary.Write(&buf, binary.LittleEndian, pcm)
	return buf.Bytes()
}
