package pinpolicy

// commonPINs is the scheme's denylist of frequently chosen 4-digit PINs.
// 5- and 6-digit candidates are checked against these as substrings of
// their leading digits.
var commonPINs = map[string]struct{}{}

var commonPINList = []string{
	"0000", "1111", "2222", "3333", "4444", "5555",
	"6666", "7777", "8888", "9999", "1234", "4321",
	"0123", "3210", "1010", "2020", "3030", "4040",
	"5050", "6060", "7070", "8080", "9090", "1100",
	"2200", "3300", "4400", "5500", "6600", "7700",
	"8800", "9900", "0011", "0022", "0033", "0044",
	"0055", "0066", "0077", "0088", "0099", "1001",
	"2002", "3003", "4004", "5005", "6006", "7007",
	"8008", "9009", "1122", "2233", "3344", "4455",
	"5566", "6677", "7788", "8899", "9988", "8877",
	"7766", "6655", "5544", "4433", "3322", "2211",
}

// sequentialPatterns are known ascending/descending 4-digit runs checked
// as substrings.
var sequentialPatterns = []string{
	"0123", "1234", "2345", "3456", "4567", "5678", "6789",
	"3210", "4321", "5432", "6543", "7654", "8765", "9876",
	"0987", "1098", "2109",
}

func init() {
	for _, p := range commonPINList {
		commonPINs[p] = struct{}{}
	}
}

func isCommon(pin string) bool {
	if _, ok := commonPINs[pin]; ok {
		return true
	}
	// Longer PINs that merely extend a common 4-digit PIN with trailing
	// digits keep the 4-digit weakness.
	if len(pin) > 4 {
		if _, ok := commonPINs[pin[:4]]; ok {
			return true
		}
	}
	return false
}
