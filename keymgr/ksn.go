package keymgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/parsabank/cardengine/internal/util"
)

// KSNLength is the length of a key serial number in hex characters
// (10 bytes: device identifier plus transaction counter).
const KSNLength = 20

// KSNGenerator issues key serial numbers for DUKPT derivation. Numbers
// never repeat for the lifetime of a BDK: the counter starts from the wall
// clock in milliseconds, so it survives process restarts without
// persistence, and each Next call advances it.
type KSNGenerator struct {
	mu       sync.Mutex
	deviceID uint32
	counter  uint64
}

// NewKSNGenerator creates a generator with a random device identifier.
func NewKSNGenerator() (*KSNGenerator, error) {
	n, err := util.RandomInt()
	if err != nil {
		return nil, fmt.Errorf("keymgr: seed KSN device ID: %w", err)
	}
	return &KSNGenerator{
		deviceID: uint32(n),
		counter:  uint64(time.Now().UnixMilli()),
	}, nil
}

// Next returns a fresh 20-hex-digit KSN.
func (g *KSNGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%08X%012X", g.deviceID, g.counter&0xFFFFFFFFFFFF)
}

// ValidKSN reports whether s has the shape of a key serial number.
func ValidKSN(s string) bool {
	if len(s) != KSNLength {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
