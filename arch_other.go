//go:build !amd64 && !arm64

package interpose

var hostArch arch
