package collector

import "strings"

// Status codes emitted for enumerated Redfish status tokens.
const (
	CodeOK       = float64(0)
	CodeCritical = float64(1)
	CodeWarning  = float64(2)
	CodeUnknown  = float64(5)
	CodeAbsent   = float64(6)
	// CodeFailed stands in both for values that could not be classified
	// and for categories whose fetch or interpretation failed outright.
	CodeFailed = float64(99)
)

// StatusMapper translates a textual status/state token into a numeric code.
// Implementations must be total: every input yields a code.
type StatusMapper interface {
	Map(token string) float64
}

// statusTable is the closed token vocabulary. Extending it is a code change,
// not configuration. Tokens are matched case-insensitively.
var statusTable = map[string]float64{
	"ok":        CodeOK,
	"off":       CodeOK,
	"operable":  CodeOK,
	"enabled":   CodeOK,
	"good":      CodeOK,
	"goodinuse": CodeOK,
	// PowerState "on" shares code 1 with the critical health tokens.
	"on":       CodeCritical,
	"critical": CodeCritical,
	"degraded": CodeCritical,
	"error":    CodeCritical,
	"warning":  CodeWarning,
	"unknown":  CodeUnknown,
	"absent":   CodeAbsent,
}

type tableStatusMapper struct{}

// NewStatusMapper returns the fixed-table StatusMapper.
func NewStatusMapper() StatusMapper {
	return tableStatusMapper{}
}

// Map folds the token to lower case and looks it up. An empty or null-ish
// token means the field was present but carried no reading, which maps to
// CodeUnknown; any other unrecognized token maps to CodeFailed so gaps stay
// visible in the metric stream rather than dropping silently.
func (tableStatusMapper) Map(token string) float64 {
	folded := strings.ToLower(strings.TrimSpace(token))
	switch folded {
	case "", "null", "none":
		return CodeUnknown
	}
	if code, ok := statusTable[folded]; ok {
		return code
	}
	return CodeFailed
}
