//go:build !dc1394debug

package ring

const checkInvariants = false
