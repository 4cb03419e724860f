package pinpolicy

// Level is a qualitative security rating.
type Level string

const (
	LevelWeak      Level = "weak"
	LevelFair      Level = "fair"
	LevelGood      Level = "good"
	LevelExcellent Level = "excellent"
)

// SecurityScore rates a candidate PIN from 0 to 100 with actionable
// recommendations.
type SecurityScore struct {
	Score           int
	Level           Level
	Secure          bool
	Recommendations []string
}

// Score rates a candidate against the weighted criteria: length, digit
// diversity, non-sequentiality, denylist membership, and complexity.
func Score(candidate string, policy Policy) SecurityScore {
	if candidate == "" {
		return SecurityScore{
			Level:           LevelWeak,
			Recommendations: []string{"choose a PIN of at least 4 digits"},
		}
	}

	score := 0
	if len(candidate) >= 4 {
		score += 10
	}
	if len(candidate) >= 6 {
		score += 10
	}
	if len(candidate) >= 8 {
		score += 10
	}

	distinct := distinctDigits(candidate)
	if distinct >= 3 {
		score += 15
	}
	if distinct >= 5 {
		score += 15
	}
	if distinct == len(candidate) {
		score += 20
	}

	if !IsSequential(candidate) {
		score += 15
	}
	if !isCommon(candidate) {
		score += 15
	}
	if complexity(candidate) >= 3 {
		score += 20
	}
	if score > 100 {
		score = 100
	}

	return SecurityScore{
		Score:           score,
		Level:           levelFor(score),
		Secure:          score >= 60,
		Recommendations: recommendationsFor(score),
	}
}

func levelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelExcellent
	case score >= 60:
		return LevelGood
	case score >= 40:
		return LevelFair
	default:
		return LevelWeak
	}
}

func recommendationsFor(score int) []string {
	var recs []string
	if score < 40 {
		recs = append(recs,
			"use a longer PIN",
			"avoid repeated digits",
			"avoid sequential patterns",
		)
	}
	if score < 60 {
		recs = append(recs,
			"use a wider variety of digits",
			"avoid commonly chosen PINs",
		)
	}
	if score < 80 {
		recs = append(recs,
			"consider a 6-digit PIN",
			"mix low and high digits",
		)
	}
	return recs
}
