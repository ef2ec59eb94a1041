package splat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AttributeNames returns the ordered PLY property names describing the
// binary layout of one exported Gaussian: position, normal
// placeholders, SH coefficients, opacity, log-scales and quaternion.
func (d *Data) AttributeNames() []string {
	names := []string{"x", "y", "z", "nx", "ny", "nz"}
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("f_dc_%d", i))
	}
	restCols := (d.maxSHDegree+1)*(d.maxSHDegree+1)*3 - 3
	for i := 0; i < restCols; i++ {
		names = append(names, fmt.Sprintf("f_rest_%d", i))
	}
	names = append(names, "opacity")
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("scale_%d", i))
	}
	for i := 0; i < 4; i++ {
		names = append(names, fmt.Sprintf("rot_%d", i))
	}
	return names
}

// WritePLY serializes the population as a binary little-endian PLY
// using the standard 3DGS property layout.
func (d *Data) WritePLY(w io.Writer) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("refusing to export inconsistent population: %w", err)
	}
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(bw, "element vertex %d\n", d.Size())
	for _, name := range d.AttributeNames() {
		fmt.Fprintf(bw, "property float %s\n", name)
	}
	fmt.Fprintf(bw, "end_header\n")

	restCols := (d.maxSHDegree+1)*(d.maxSHDegree+1)*3 - 3
	row := make([]float32, 0, 17+restCols)
	for i := 0; i < d.Size(); i++ {
		row = row[:0]
		row = append(row, d.Means.Row(i)...)
		row = append(row, 0, 0, 0) // normals are unused placeholders
		row = append(row, d.SHDC.Row(i)...)
		if restCols > 0 {
			row = append(row, d.SHRest.Row(i)[:restCols]...)
		}
		row = append(row, d.OpacitiesRaw.At(i, 0))
		row = append(row, d.ScalesRaw.Row(i)...)
		row = append(row, d.RotationsRaw.Row(i)...)
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return fmt.Errorf("failed to write gaussian %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// SavePLY writes the population to path, creating parent directories
// as needed.
func (d *Data) SavePLY(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create PLY file: %w", err)
	}
	defer f.Close()
	return d.WritePLY(f)
}

// ReadPLY parses a binary little-endian 3DGS PLY stream back into a
// population. The SH degree is inferred from the f_rest_* property
// count.
func ReadPLY(r io.Reader) (*Data, error) {
	br := bufio.NewReader(r)

	count, props, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int, len(props))
	for i, p := range props {
		idx[p] = i
	}
	for _, required := range []string{"x", "y", "z", "f_dc_0", "opacity", "scale_0", "rot_0"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("PLY is missing required property %q", required)
		}
	}

	restCols := 0
	for _, p := range props {
		if strings.HasPrefix(p, "f_rest_") {
			restCols++
		}
	}
	degree, err := degreeFromRestCols(restCols)
	if err != nil {
		return nil, err
	}

	// The declared vertex count is not trusted for allocation: rows are
	// read in bounded chunks, so a forged header claiming billions of
	// vertices fails on the truncated body instead of exhausting memory.
	d := NewEmpty(0, degree, 1.0)
	d.activeSHDegree = degree

	row := make([]float32, len(props))
	for read := 0; read < count; {
		n := count - read
		if n > plyReadChunk {
			n = plyReadChunk
		}
		chunk := NewEmpty(n, degree, 1.0)
		for i := 0; i < n; i++ {
			if err := binary.Read(br, binary.LittleEndian, row); err != nil {
				return nil, fmt.Errorf("failed to read gaussian %d of %d: %w", read+i, count, err)
			}
			for j, axis := range []string{"x", "y", "z"} {
				chunk.Means.Set(i, j, row[idx[axis]])
			}
			for j := 0; j < 3; j++ {
				chunk.SHDC.Set(i, j, row[idx[fmt.Sprintf("f_dc_%d", j)]])
				chunk.ScalesRaw.Set(i, j, row[idx[fmt.Sprintf("scale_%d", j)]])
			}
			for j := 0; j < restCols; j++ {
				chunk.SHRest.Set(i, j, row[idx[fmt.Sprintf("f_rest_%d", j)]])
			}
			chunk.OpacitiesRaw.Set(i, 0, row[idx["opacity"]])
			for j := 0; j < 4; j++ {
				chunk.RotationsRaw.Set(i, j, row[idx[fmt.Sprintf("rot_%d", j)]])
			}
		}
		if err := d.Append(chunk); err != nil {
			return nil, err
		}
		read += n
	}
	return d, d.Validate()
}

// plyReadChunk bounds how many gaussians are allocated per read step.
const plyReadChunk = 1 << 16

// LoadPLY reads a population from a file.
func LoadPLY(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PLY file: %w", err)
	}
	defer f.Close()
	return ReadPLY(f)
}

func readPLYHeader(br *bufio.Reader) (count int, props []string, err error) {
	line, err := readHeaderLine(br)
	if err != nil || line != "ply" {
		return 0, nil, fmt.Errorf("not a PLY file")
	}
	for {
		line, err = readHeaderLine(br)
		if err != nil {
			return 0, nil, fmt.Errorf("malformed PLY header: %w", err)
		}
		switch {
		case line == "end_header":
			if count == 0 && len(props) == 0 {
				return 0, nil, fmt.Errorf("PLY header has no vertex element")
			}
			return count, props, nil
		case strings.HasPrefix(line, "format "):
			if line != "format binary_little_endian 1.0" {
				return 0, nil, fmt.Errorf("unsupported PLY format %q", line)
			}
		case strings.HasPrefix(line, "element "):
			fields := strings.Fields(line)
			if len(fields) != 3 || fields[1] != "vertex" {
				return 0, nil, fmt.Errorf("unsupported PLY element %q", line)
			}
			count, err = strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return 0, nil, fmt.Errorf("bad vertex count in %q", line)
			}
		case strings.HasPrefix(line, "property "):
			fields := strings.Fields(line)
			if len(fields) != 3 || fields[1] != "float" {
				return 0, nil, fmt.Errorf("unsupported PLY property %q", line)
			}
			props = append(props, fields[2])
		case strings.HasPrefix(line, "comment "):
			// ignored
		default:
			return 0, nil, fmt.Errorf("unexpected PLY header line %q", line)
		}
	}
}

func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// degreeFromRestCols inverts (degree+1)^2*3-3 == restCols.
func degreeFromRestCols(restCols int) (int, error) {
	k := float64(restCols+3) / 3.0
	degree := int(math.Round(math.Sqrt(k))) - 1
	if degree < 0 || degree > 3 || (degree+1)*(degree+1)*3-3 != restCols {
		return 0, fmt.Errorf("cannot infer SH degree from %d f_rest properties", restCols)
	}
	return degree, nil
}
