package models

import (
	"fmt"
)

// Finger is a finger slot. Slots 0-9 map to the ten recognised finger
// names; FingerAny is only meaningful for verification.
type Finger int

// FingerAny selects every enrolled finger during verification.
const FingerAny Finger = -1

const (
	LeftThumb Finger = iota
	LeftIndex
	LeftMiddle
	LeftRing
	LeftLittle
	RightThumb
	RightIndex
	RightMiddle
	RightRing
	RightLittle
)

// NumFingers is the number of addressable finger slots.
const NumFingers = 10

var fingerNames = [NumFingers]string{
	"left-thumb",
	"left-index-finger",
	"left-middle-finger",
	"left-ring-finger",
	"left-little-finger",
	"right-thumb",
	"right-index-finger",
	"right-middle-finger",
	"right-ring-finger",
	"right-little-finger",
}

// FingerNameAny is the wire name of FingerAny.
const FingerNameAny = "any"

// Valid reports whether f is one of the ten finger slots.
func (f Finger) Valid() bool {
	return f >= LeftThumb && f <= RightLittle
}

func (f Finger) String() string {
	if f == FingerAny {
		return FingerNameAny
	}
	if !f.Valid() {
		return fmt.Sprintf("finger(%d)", int(f))
	}
	return fingerNames[f]
}

// ParseFinger resolves a finger name to its slot. "any" is rejected;
// use ParseVerifyFinger where it is allowed.
func ParseFinger(name string) (Finger, error) {
	for i, n := range fingerNames {
		if n == name {
			return Finger(i), nil
		}
	}
	return FingerAny, fmt.Errorf("%w: %q", ErrInvalidFingername, name)
}

// ParseVerifyFinger is ParseFinger that also accepts "any" and the
// empty string, both resolving to FingerAny.
func ParseVerifyFinger(name string) (Finger, error) {
	if name == "" || name == FingerNameAny {
		return FingerAny, nil
	}
	return ParseFinger(name)
}

// FingerNames returns the names of fingers in the order given.
func FingerNames(fingers []Finger) []string {
	names := make([]string, 0, len(fingers))
	for _, f := range fingers {
		names = append(names, f.String())
	}
	return names
}
