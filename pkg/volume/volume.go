// Package volume loads volumetric imaging data and exposes it as a flat
// float64 array together with its voxel-to-world affine transform.
package volume

import (
	"errors"
	"fmt"
)

// ErrLoad is the sentinel wrapped by every loader failure, covering
// unreadable paths and unrecognized formats.
var ErrLoad = errors.New("volume load error")

// LoadError wraps a loader failure with the offending path.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading volume %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return ErrLoad }

// Volume is a 3D or 4D intensity array in row-major order (x fastest, then
// y, then z, then t). NT is 1 for 3D acquisitions.
type Volume struct {
	// Data holds the intensity samples, length NX*NY*NZ*NT.
	Data []float64

	// NX, NY, NZ, NT are the grid dimensions.
	NX, NY, NZ, NT int

	// Affine maps voxel indices (x, y, z, 1) to world coordinates.
	Affine [4][4]float64

	// VoxelSize is the physical extent of one voxel along each axis in mm.
	VoxelSize [3]float64
}

// Is4D reports whether the volume has a time dimension.
func (v *Volume) Is4D() bool { return v.NT > 1 }

// NumVoxels returns the number of voxels in one 3D frame.
func (v *Volume) NumVoxels() int { return v.NX * v.NY * v.NZ }

// Len returns the total number of samples across all frames.
func (v *Volume) Len() int { return v.NumVoxels() * v.NT }

// Frame returns the samples of the t-th 3D frame as a sub-slice of Data.
// The returned slice aliases the volume's storage.
func (v *Volume) Frame(t int) []float64 {
	n := v.NumVoxels()
	return v.Data[t*n : (t+1)*n]
}

// Clone returns a deep copy of the volume. Pipeline steps operate on clones
// so that no step mutates its input.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// validate checks that the dimensions are consistent with the data length.
func (v *Volume) validate() error {
	if v.NX <= 0 || v.NY <= 0 || v.NZ <= 0 || v.NT <= 0 {
		return fmt.Errorf("non-positive dimensions %dx%dx%dx%d", v.NX, v.NY, v.NZ, v.NT)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("data length %d does not match dimensions %dx%dx%dx%d",
			len(v.Data), v.NX, v.NY, v.NZ, v.NT)
	}
	return nil
}
