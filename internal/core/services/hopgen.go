package services

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"

	"aegislink/internal/core/domain"
)

// lfsr is a 16-bit Fibonacci linear-feedback shift register with taps at
// bits 16, 14, 13 and 11 (maximal length, period 65535).
type lfsr struct {
	state uint16
}

func newLFSR(seed uint32) *lfsr {
	st := uint16(seed)
	if st == 0 {
		st = 0xACE1
	}
	return &lfsr{state: st}
}

func (l *lfsr) next() uint16 {
	bit := (l.state ^ (l.state >> 2) ^ (l.state >> 3) ^ (l.state >> 5)) & 1
	l.state = (l.state >> 1) | (bit << 15)
	return l.state
}

// generateHopSequence produces a pseudo-random index sequence of the given
// length, each output reduced modulo the frequency-list size. The same seed
// always yields the same sequence.
func generateHopSequence(seed uint32, length, modulo int) []int {
	if length <= 0 || modulo <= 0 {
		return nil
	}
	gen := newLFSR(seed)
	seq := make([]int, length)
	for i := range seq {
		seq[i] = int(gen.next()) % modulo
	}
	return seq
}

// enumerateFrequencies lists the hoppable frequencies of a band.
func enumerateFrequencies(band domain.FrequencyBand) []float64 {
	n := band.ChannelCount()
	freqs := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		freqs = append(freqs, band.MinMHz+float64(i)*band.SpacingMHz)
	}
	return freqs
}

// droneOffset derives a drone's starting position in a pattern's hop
// sequence from its identity and the pattern's sync word. Drones sharing a
// pattern start desynchronized but reproducibly.
func droneOffset(droneID domain.DroneID, pattern *domain.FrequencyHoppingPattern) int {
	if len(pattern.HopSequence) == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(droneID))
	var sw [4]byte
	binary.BigEndian.PutUint32(sw[:], pattern.SyncWord)
	h.Write(sw[:])
	return int(h.Sum32() % uint32(len(pattern.HopSequence)))
}

// randomSeed draws a non-zero seed from the system entropy source.
func randomSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0xACE1
	}
	seed := binary.BigEndian.Uint32(b[:])
	if seed == 0 {
		seed = 0xACE1
	}
	return seed
}

// randomKey draws opaque key material for a new pattern.
func randomKey() []byte {
	key := make([]byte, 32)
	rand.Read(key)
	return key
}
