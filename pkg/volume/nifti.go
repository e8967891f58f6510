package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// NIfTI-1 datatype codes for the subset of voxel types supported here.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const niftiHeaderSize = 348

// niftiHeader is the fixed 348-byte NIfTI-1 header layout.
type niftiHeader struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

// Load reads a NIfTI-1 volume (.nii or .nii.gz) from path and returns its
// intensity data together with the voxel-to-world affine. Failures are
// reported as a *LoadError; the caller treats them as a job failure and
// there are no retries.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("gzip: %w", err)}
		}
		defer gz.Close()
		r = gz
	}

	v, err := decode(r)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return v, nil
}

// decode parses a NIfTI-1 stream. The byte order is detected from the
// sizeof_hdr field, which must decode to 348 in exactly one order.
func decode(r io.Reader) (*Volume, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	order := byteOrder(raw)
	if order == nil {
		return nil, fmt.Errorf("unrecognized format: bad header size field")
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	if magic := string(hdr.Magic[:3]); magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("unrecognized format: bad magic %q", magic)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 4 {
		return nil, fmt.Errorf("unsupported dimensionality %d, want 3 or 4", ndim)
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	nt := 1
	if ndim == 4 {
		nt = int(hdr.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 || nt <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%dx%d", nx, ny, nz, nt)
	}

	// Skip from the end of the header to the voxel data. For single-file
	// NIfTI vox_offset is at least 352.
	offset := int64(hdr.VoxOffset)
	if offset < niftiHeaderSize {
		offset = niftiHeaderSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-niftiHeaderSize); err != nil {
		return nil, fmt.Errorf("seeking voxel data: %w", err)
	}

	n := nx * ny * nz * nt
	data, err := readVoxels(r, order, int(hdr.Datatype), n)
	if err != nil {
		return nil, err
	}

	// Apply the intensity scaling declared in the header. A zero slope
	// means the scaling fields are unused.
	if slope := float64(hdr.SclSlope); slope != 0 && (slope != 1 || hdr.SclInter != 0) {
		inter := float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	v := &Volume{
		Data: data,
		NX:   nx, NY: ny, NZ: nz, NT: nt,
		Affine:    affineFromHeader(&hdr),
		VoxelSize: [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])},
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// byteOrder returns the byte order under which the header size decodes to
// 348, or nil if neither does.
func byteOrder(raw []byte) binary.ByteOrder {
	if binary.LittleEndian.Uint32(raw[:4]) == niftiHeaderSize {
		return binary.LittleEndian
	}
	if binary.BigEndian.Uint32(raw[:4]) == niftiHeaderSize {
		return binary.BigEndian
	}
	return nil
}

// readVoxels reads n samples of the given NIfTI datatype and widens them to
// float64.
func readVoxels(r io.Reader, order binary.ByteOrder, datatype, n int) ([]float64, error) {
	out := make([]float64, n)
	switch datatype {
	case dtUint8:
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading voxel data: %w", err)
		}
		for i, b := range buf {
			out[i] = float64(b)
		}
	case dtInt16:
		buf := make([]byte, 2*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case dtInt32:
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			out[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case dtFloat32:
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case dtFloat64:
		buf := make([]byte, 8*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", datatype)
	}
	return out, nil
}

// affineFromHeader builds the voxel-to-world transform. The sform rows are
// used when declared; otherwise a diagonal scaling by pixdim is the fallback.
func affineFromHeader(hdr *niftiHeader) [4][4]float64 {
	var a [4][4]float64
	if hdr.SformCode > 0 {
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SrowX[j])
			a[1][j] = float64(hdr.SrowY[j])
			a[2][j] = float64(hdr.SrowZ[j])
		}
		a[3][3] = 1
		return a
	}
	for i := 0; i < 3; i++ {
		d := float64(hdr.Pixdim[i+1])
		if d == 0 {
			d = 1
		}
		a[i][i] = d
	}
	a[3][3] = 1
	return a
}
