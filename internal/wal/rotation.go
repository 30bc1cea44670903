package wal

import "time"

// rotationInput captures everything the adaptive rotation decision
// needs about the active segment at the moment of the check.
type rotationInput struct {
	size            int64
	age             time.Duration
	timeSinceWrite  time.Duration
	segmentMaxBytes int64
	minRotationBytes int64
	idleThreshold    time.Duration
	activeRotateAge  time.Duration
	idleRotateAge    time.Duration
	forceRotateAge   time.Duration
}

// shouldRotate implements the six-branch rotation decision tree,
// evaluated after every successful append.
func shouldRotate(in rotationInput) bool {
	if in.size >= in.segmentMaxBytes {
		return true
	}
	if in.size < in.minRotationBytes && in.age < 6*time.Hour {
		return false
	}
	isActive := in.timeSinceWrite < in.idleThreshold
	if isActive && in.age >= in.activeRotateAge && in.size >= in.minRotationBytes {
		return true
	}
	if !isActive && in.age >= in.idleRotateAge {
		return true
	}
	if in.age >= in.forceRotateAge {
		return true
	}
	return false
}
