package preprocess

import (
	"math"

	"neuropipe/pkg/volume"
)

// smoothGaussian applies an isotropic Gaussian blur to each 3D frame of the
// volume. The blur is separable, so it runs as three 1D passes along x, y
// and z with an edge-clamped kernel of radius 3 sigma.
func smoothGaussian(v *volume.Volume, sigma float64) *volume.Volume {
	kernel := gaussianKernel(sigma)
	out := v.Clone()
	for t := 0; t < v.NT; t++ {
		frame := out.Frame(t)
		convolveAxis(frame, v.NX, v.NY, v.NZ, kernel, 0)
		convolveAxis(frame, v.NX, v.NY, v.NZ, kernel, 1)
		convolveAxis(frame, v.NX, v.NY, v.NZ, kernel, 2)
	}
	return out
}

// gaussianKernel builds a normalized 1D Gaussian kernel with radius 3 sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis convolves a 3D frame in place along one axis (0=x, 1=y, 2=z),
// clamping samples at the boundary.
func convolveAxis(data []float64, nx, ny, nz int, kernel []float64, axis int) {
	radius := len(kernel) / 2
	tmp := make([]float64, len(data))
	copy(tmp, data)

	dims := [3]int{nx, ny, nz}
	stride := [3]int{1, nx, nx * ny}
	n := dims[axis]

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				pos := [3]int{x, y, z}
				idx := z*nx*ny + y*nx + x
				acc := 0.0
				for k := -radius; k <= radius; k++ {
					p := pos[axis] + k
					if p < 0 {
						p = 0
					} else if p >= n {
						p = n - 1
					}
					src := idx + (p-pos[axis])*stride[axis]
					acc += tmp[src] * kernel[k+radius]
				}
				data[idx] = acc
			}
		}
	}
}
