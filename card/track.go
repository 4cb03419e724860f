package card

import (
	"fmt"
	"strings"
	"time"

	"github.com/parsabank/cardengine/internal/util"
)

// DefaultServiceCode marks an international chip card with normal
// authorization and PIN-preferred CVM.
const DefaultServiceCode = "201"

const maxTrackNameLen = 26

// BuildTrackData assembles track 1 and track 2 from the card's identity.
// The discretionary field is left zeroed; the personalization bureau fills
// in PVV/CVV offsets from the HSM references, never this engine.
func BuildTrackData(pan, holderName string, expiry time.Time, serviceCode string) *TrackData {
	if serviceCode == "" {
		serviceCode = DefaultServiceCode
	}
	name := trackName(holderName)
	yymm := expiry.Format("0601")
	return &TrackData{
		Track1: fmt.Sprintf("%%B%s^%s^%s%s00000000000000000?", pan, name, yymm, serviceCode),
		Track2: fmt.Sprintf(";%s=%s%s000000000000?", pan, yymm, serviceCode),
	}
}

// trackName reduces a holder name to the track 1 charset: NFKD strips
// accents to their base letters, then anything outside printable ASCII is
// dropped before uppercasing and truncation.
func trackName(holderName string) string {
	var b strings.Builder
	for _, r := range util.Normalize(holderName) {
		if r >= 0x20 && r <= 0x7e && r != '^' && r != '?' && r != '%' && r != ';' {
			b.WriteRune(r)
		}
	}
	name := strings.ToUpper(b.String())
	if len(name) > maxTrackNameLen {
		name = name[:maxTrackNameLen]
	}
	return name
}
