package serial

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLine - предел длины строки, более длинные строки отбрасываются
const DefaultMaxLine = 4096

// FrameReader режет поток байт на строки по одному байту-разделителю.
// Строки не переупорядочиваются и не склеиваются.
type FrameReader struct {
	r       *bufio.Reader
	delim   byte
	maxLine int
	dropped int
}

// NewFrameReader создает reader; maxLine <= 0 означает DefaultMaxLine
func NewFrameReader(r io.Reader, delim byte, maxLine int) *FrameReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &FrameReader{
		r:       bufio.NewReaderSize(r, maxLine),
		delim:   delim,
		maxLine: maxLine,
	}
}

// Next возвращает следующую строку без разделителя.
// При ошибке транспорта возвращается ошибка; все строки, полностью принятые
// до ошибки, уже были выданы предыдущими вызовами. Хвост без разделителя теряется.
func (f *FrameReader) Next() (string, error) {
	var line []byte
	discarding := false

	for {
		chunk, err := f.r.ReadSlice(f.delim)
		switch {
		case err == nil:
			if discarding || len(line)+len(chunk)-1 > f.maxLine {
				f.dropped++
				line = line[:0]
				discarding = false
				continue
			}
			line = append(line, chunk[:len(chunk)-1]...)
			return string(line), nil

		case errors.Is(err, bufio.ErrBufferFull):
			if discarding {
				continue
			}
			line = append(line, chunk...)
			if len(line) > f.maxLine {
				discarding = true
				line = line[:0]
			}

		default:
			return "", err
		}
	}
}

// Dropped возвращает количество отброшенных слишком длинных строк
func (f *FrameReader) Dropped() int {
	return f.dropped
}

// Each вызывает fn для каждой строки до ошибки транспорта и возвращает ее
func (f *FrameReader) Each(fn func(line string)) error {
	for {
		line, err := f.Next()
		if err != nil {
			return err
		}
		fn(line)
	}
}
