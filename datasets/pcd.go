package datasets

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// pcdHeader is the part of a PCD header needed to pull out xyz.
type pcdHeader struct {
	fields []string
	sizes  []int
	types  []string
	counts []int
	points int
	data   string
}

// ReadPCD returns the xyz coordinates of a PCD file as a flat list. ascii and
// binary payloads are supported; binary_compressed is not.
func ReadPCD(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open point cloud")
	}
	defer f.Close()

	points, err := DecodePCD(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "point cloud %s", path)
	}
	return points, nil
}

// DecodePCD reads a PCD stream.
func DecodePCD(r *bufio.Reader) ([]float32, error) {
	h, err := readPCDHeader(r)
	if err != nil {
		return nil, err
	}
	offsets, size, err := h.xyzOffsets()
	if err != nil {
		return nil, err
	}

	switch h.data {
	case "ascii":
		return decodeASCII(r, h, offsets)
	case "binary":
		return decodeBinary(r, h, offsets, size)
	default:
		return nil, errors.Errorf("unsupported PCD data encoding %q", h.data)
	}
}

func readPCDHeader(r *bufio.Reader) (*pcdHeader, error) {
	h := &pcdHeader{points: -1}
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, errors.Wrap(err, "truncated PCD header")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		key, values := strings.ToUpper(parts[0]), parts[1:]

		switch key {
		case "FIELDS":
			h.fields = values
		case "SIZE":
			if h.sizes, err = atoiAll(values); err != nil {
				return nil, errors.Wrap(err, "SIZE")
			}
		case "TYPE":
			h.types = values
		case "COUNT":
			if h.counts, err = atoiAll(values); err != nil {
				return nil, errors.Wrap(err, "COUNT")
			}
		case "POINTS":
			if len(values) != 1 {
				return nil, errors.New("malformed POINTS line")
			}
			if h.points, err = strconv.Atoi(values[0]); err != nil {
				return nil, errors.Wrap(err, "POINTS")
			}
		case "DATA":
			if len(values) != 1 {
				return nil, errors.New("malformed DATA line")
			}
			h.data = strings.ToLower(values[0])
			return h, h.check()
		}
	}
}

func (h *pcdHeader) check() error {
	if len(h.fields) == 0 {
		return errors.New("PCD header has no FIELDS")
	}
	if h.counts == nil {
		h.counts = make([]int, len(h.fields))
		for i := range h.counts {
			h.counts[i] = 1
		}
	}
	if len(h.sizes) != len(h.fields) || len(h.types) != len(h.fields) || len(h.counts) != len(h.fields) {
		return errors.New("PCD header FIELDS, SIZE, TYPE and COUNT disagree in length")
	}
	if h.points < 0 {
		return errors.New("PCD header has no POINTS")
	}
	return nil
}

// xyzOffsets returns, for x, y and z, the value index (ascii) and byte
// offset (binary) of each coordinate, and the byte size of one record.
func (h *pcdHeader) xyzOffsets() ([3][2]int, int, error) {
	var offsets [3][2]int
	found := [3]bool{}
	value, byteOff := 0, 0
	for i, name := range h.fields {
		axis := strings.Index("xyz", name)
		if len(name) == 1 && axis >= 0 {
			if h.types[i] != "F" || (h.sizes[i] != 4 && h.sizes[i] != 8) {
				return offsets, 0, errors.Errorf("field %s must be a 4 or 8 byte float, got %s%d", name, h.types[i], h.sizes[i])
			}
			offsets[axis] = [2]int{value, byteOff}
			found[axis] = true
		}
		value += h.counts[i]
		byteOff += h.sizes[i] * h.counts[i]
	}
	for axis, ok := range found {
		if !ok {
			return offsets, 0, errors.Errorf("PCD has no %c field", "xyz"[axis])
		}
	}
	return offsets, byteOff, nil
}

func (h *pcdHeader) sizeOf(axis string) int {
	for i, name := range h.fields {
		if name == axis {
			return h.sizes[i]
		}
	}
	return 4
}

func decodeASCII(r *bufio.Reader, h *pcdHeader, offsets [3][2]int) ([]float32, error) {
	points := make([]float32, 0, h.points*3)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() && len(points) < h.points*3 {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		for axis := 0; axis < 3; axis++ {
			idx := offsets[axis][0]
			if idx >= len(fields) {
				return nil, errors.Errorf("point %d has %d values", len(points)/3, len(fields))
			}
			v, err := strconv.ParseFloat(fields[idx], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "point %d", len(points)/3)
			}
			points = append(points, float32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read PCD data")
	}
	if len(points) != h.points*3 {
		return nil, errors.Errorf("PCD declares %d points, found %d", h.points, len(points)/3)
	}
	return points, nil
}

func decodeBinary(r *bufio.Reader, h *pcdHeader, offsets [3][2]int, size int) ([]float32, error) {
	record := make([]byte, size)
	points := make([]float32, h.points*3)
	axisSize := [3]int{h.sizeOf("x"), h.sizeOf("y"), h.sizeOf("z")}

	for p := 0; p < h.points; p++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return nil, errors.Wrapf(err, "PCD declares %d points, data ends at %d", h.points, p)
		}
		for axis := 0; axis < 3; axis++ {
			off := offsets[axis][1]
			if axisSize[axis] == 8 {
				points[p*3+axis] = float32(math.Float64frombits(binary.LittleEndian.Uint64(record[off:])))
			} else {
				points[p*3+axis] = math.Float32frombits(binary.LittleEndian.Uint32(record[off:]))
			}
		}
	}
	return points, nil
}

// WritePCD stores a flat xyz list as a PCD v0.7 file.
func WritePCD(path string, points []float32, binaryData bool) error {
	if len(points)%3 != 0 {
		return errors.Errorf("point list of length %d is not xyz", len(points))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create point cloud")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	n := len(points) / 3
	encoding := "ascii"
	if binaryData {
		encoding = "binary"
	}
	fmt.Fprintf(w, "# .PCD v0.7 - Point Cloud Data file format\nVERSION 0.7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	fmt.Fprintf(w, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n", n, n, encoding)

	if binaryData {
		buf := make([]byte, 4)
		for _, v := range points {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return errors.Wrap(err, "failed to write point cloud")
			}
		}
	} else {
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "%g %g %g\n", points[i*3], points[i*3+1], points[i*3+2])
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "failed to write point cloud")
	}
	return f.Close()
}

func atoiAll(values []string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
