//go:build !arm64

package mobile

// NBlock is the number of columns of B processed per block by GemmPrepackInt8.
const NBlock = 8
